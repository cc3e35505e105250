/*
Package eventsource is a client for the HTML5 server-sent events protocol that
offers the same subscription API on every platform Go targets.

On native targets an EventSource reads the stream over HTTP on its own goroutine,
using package transport, and reconnects with an exponential backoff whenever the
stream fails or ends. When compiled to WebAssembly for the browser (GOOS=js, GOARCH=wasm)
the EventSource wraps the browser's own EventSource object instead.

Listeners are registered per event type and identified by a ListenerID:

	es, err := eventsource.New("https://example.com/events")
	if err != nil {
		// the URL was rejected
	}
	defer es.CloseAndNotify()

	id, _ := es.Subscribe("message", func(e eventsource.Event) {
		if e.IsTerminal() {
			// the stream is over
			return
		}
		fmt.Println(e.Data)
	})

Listeners are called from a goroutine owned by the EventSource, one event at a time.
They may subscribe and unsubscribe other listeners, but they must not call Close or
CloseAndNotify, which wait for the listener currently running to return.

The realtime subpackage builds a topic subscription manager on top of a Source.
*/
package eventsource
