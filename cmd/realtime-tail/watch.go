package main

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tmaxmax/eventsource/internal/config"
)

// Editors write in bursts; reload once things settle.
const reloadDelay = 100 * time.Millisecond

// watchConfig calls reload with the new configuration every time the file at
// path changes, until ctx is done. Invalid configurations are logged and skipped.
func watchConfig(ctx context.Context, path string, reload func(*config.Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so atomic renames over the file are seen.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	var pending <-chan time.Time

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(reloadDelay)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("watcher error: %v", err)
		case <-pending:
			pending = nil

			cfg, err := config.Load(path)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				log.Printf("reload %s: %v", path, err)
				continue
			}
			reload(cfg)
		case <-ctx.Done():
			return nil
		}
	}
}
