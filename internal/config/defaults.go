package config

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file whenever it changes on disk and pushes
// the new value to OnChange. The daemon uses this to pick up a new
// Telegram chat id or tuning knob without a restart; it never affects
// SocketPath or DBPath, which are only read at startup.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(Config)
	done     chan struct{}
}

// WatchFile starts watching path for writes and renames, invoking onChange
// with the freshly parsed config after each settled change. Call Close to
// stop watching.
func WatchFile(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fw,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("config: reload of %s failed: %v", w.path, err)
				continue
			}
			w.onChange(cfg.WithDefaults())
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watch error on %s: %v", w.path, err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
