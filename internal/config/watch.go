package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes on disk and hands each
// valid new Config to the registered callback. Invalid edits are logged and
// skipped; the previous config stays in effect.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	closed  chan struct{}
}

func Watch(path string, onChange func(Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory, not the file: editors often replace the file,
	// which would drop a direct file watch.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	cw := &Watcher{path: path, watcher: w, closed: make(chan struct{})}
	go cw.watchLoop(onChange)
	return cw, nil
}

func (cw *Watcher) watchLoop(onChange func(Config)) {
	for {
		select {
		case <-cw.closed:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := Load(cw.path)
			if err != nil {
				log.Printf("CONFIG: reload failed for %s: %v", cw.path, err)
				continue
			}
			onChange(cfg)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("CONFIG: watcher error: %v", err)
		}
	}
}

func (cw *Watcher) Close() error {
	select {
	case <-cw.closed:
		return nil
	default:
		close(cw.closed)
	}
	return cw.watcher.Close()
}
