package config

import (
	"context"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"conduit/engine"
)

// settle is how long a change must be quiet before the file is re-read, so
// an editor's write-then-rename lands as one reload.
const settle = time.Second / 10

func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watcher.Errors:
			return err
		case ev := <-watcher.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
		}
		break
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(settle):
	}
	return ctx.Err()
}

// Watch reloads the configuration at path whenever the file changes and
// delivers every new configuration that validates and differs from the
// previous one. Invalid documents are logged and skipped. The channel is
// closed when ctx ends.
func Watch(ctx context.Context, path string, current engine.Config) <-chan engine.Config {
	out := make(chan engine.Config)
	go func() {
		defer close(out)
		clog := log.WithField("config", path)
		for ctx.Err() == nil {
			if err := waitForChange(ctx, path); err != nil {
				if ctx.Err() != nil {
					return
				}
				clog.Errorf("Error waiting for file change: %v", err)
				// The file may be mid-replace; try again shortly.
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				clog.Errorf("Ignoring new configuration: %v", err)
				continue
			}
			if reflect.DeepEqual(cfg, current) {
				clog.Debug("Configuration file touched but unchanged")
				continue
			}
			clog.Info("Configuration changed")
			select {
			case out <- cfg:
				current = cfg
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
