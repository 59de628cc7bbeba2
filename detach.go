package accessory

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DeviceWatcher signals detach when the accessory's device node disappears.
// udev removes the node when the accessory is unplugged.
type DeviceWatcher struct {
	Logger zerolog.Logger
}

var _ DetachNotifier = DeviceWatcher{}

// Watch watches the directory holding d.Path. onDetach runs at most once,
// on the watcher's goroutine.
func (dw DeviceWatcher) Watch(d Descriptor, onDetach func()) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("detach: new watcher: %w", err)
	}
	path := filepath.Clean(d.Path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("detach: watch %s: %w", filepath.Dir(path), err)
	}

	var fired sync.Once
	detach := func() { fired.Do(onDetach) }
	stopped := make(chan struct{})

	go func() {
		for {
			select {
			case <-stopped:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path {
					continue
				}
				if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
					dw.Logger.Debug().Str("path", path).Str("op", ev.Op.String()).Msg("Device node removed")
					detach()
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				dw.Logger.Warn().Err(err).Str("path", path).Msg("Detach watcher error")
			}
		}
	}()

	// The node may already be gone if the accessory was unplugged while opening.
	if _, err := os.Stat(path); os.IsNotExist(err) {
		go detach()
	}

	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			close(stopped)
			w.Close()
		})
	}
	return stop, nil
}
