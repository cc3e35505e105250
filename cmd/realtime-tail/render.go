package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/tmaxmax/eventsource/realtime"
)

var (
	topicStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	actionStyles = map[realtime.Action]lipgloss.Style{
		realtime.ActionCreate: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("32")),
		realtime.ActionUpdate: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		realtime.ActionDelete: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
	}

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	payloadStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			Margin(0, 0, 1, 2)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

// printer writes record changes to w. Callbacks of different topics may run
// concurrently with status lines from the config watcher.
type printer struct {
	mu  sync.Mutex
	w   io.Writer
	raw bool
}

func newPrinter(w io.Writer, raw bool) *printer {
	return &printer{w: w, raw: raw}
}

func (p *printer) callback(topic string) realtime.Callback {
	return func(payload string) {
		p.mu.Lock()
		defer p.mu.Unlock()

		_, _ = io.WriteString(p.w, p.render(topic, payload))
	}
}

func (p *printer) render(topic, payload string) string {
	if p.raw {
		return payload + "\n"
	}

	header := topicStyle.Render(topic)
	if change, err := realtime.DecodeRecordChange(payload); err == nil {
		header += " " + actionStyles[change.Action].Render(string(change.Action)) + " " + idStyle.Render(change.Record.ID)
	}

	var body bytes.Buffer
	if err := json.Indent(&body, []byte(payload), "", "  "); err != nil {
		body.Reset()
		body.WriteString(payload)
	}

	return header + "\n" + payloadStyle.Render(body.String()) + "\n"
}

func (p *printer) status(format string, args ...interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := fmt.Sprintf(format, args...)
	if !p.raw {
		line = statusStyle.Render(line)
	}
	_, _ = fmt.Fprintln(p.w, line)
}
