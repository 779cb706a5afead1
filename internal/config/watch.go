package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RoutesWatcher monitors the gateway route manifest and invokes the supplied
// callback whenever the document changes. Stop must be called to release
// filesystem resources.
type RoutesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop halts the watcher and waits for the underlying goroutine to exit.
func (w *RoutesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchRoutes wires fsnotify around the manifest file and reloads it on any
// relevant change. The callback receives each successfully parsed manifest,
// including the initial load; parse failures go to onError and leave the last
// good manifest in effect.
func WatchRoutes(ctx context.Context, path string, onChange func(RouteManifest), onError func(error)) (*RoutesWatcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config: watch routes requires a change callback")
	}
	if path == "" {
		return nil, fmt.Errorf("config: no route manifest configured for watching")
	}

	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve route manifest: %w", err)
	}

	manifest, err := LoadRouteManifest(resolved)
	if err != nil {
		return nil, err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("config: watch routes: %w", err)
	}

	// Watch the parent directory so editors that replace the file via rename
	// still produce events for the manifest path.
	if err := watcher.Add(filepath.Dir(resolved)); err != nil {
		cancel()
		if closeErr := watcher.Close(); closeErr != nil && onError != nil {
			onError(fmt.Errorf("config: watch routes close: %w", closeErr))
		}
		return nil, fmt.Errorf("config: watch add %s: %w", filepath.Dir(resolved), err)
	}

	onChange(manifest)

	done := make(chan struct{})
	w := &RoutesWatcher{cancel: cancel, done: done}

	go func() {
		defer close(done)
		defer func() {
			if err := watcher.Close(); err != nil && onError != nil {
				onError(fmt.Errorf("config: watch routes close: %w", err))
			}
		}()

		// Small debounce window: editors emit bursts of write events for a
		// single save and each reload swaps a whole cache generation.
		var pending *time.Timer
		var pendingC <-chan time.Time

		reload := func() {
			manifest, err := LoadRouteManifest(resolved)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(manifest)
		}

		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != resolved {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending == nil {
					pending = time.NewTimer(200 * time.Millisecond)
					pendingC = pending.C
				} else {
					if !pending.Stop() {
						select {
						case <-pending.C:
						default:
						}
					}
					pending.Reset(200 * time.Millisecond)
				}
			case <-pendingC:
				pending = nil
				pendingC = nil
				reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if err != nil && onError != nil {
					onError(fmt.Errorf("config: watch routes: %w", err))
				}
			}
		}
	}()

	return w, nil
}
