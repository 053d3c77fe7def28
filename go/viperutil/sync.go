// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package viperutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
)

var errAlreadyWatching = errors.New("config is already being watched")

// dynamicViper is a threadsafe wrapper around the viper holding dynamic
// values. Reloads replace its config layer in place, so defaults, env and
// flag bindings survive.
type dynamicViper struct {
	mu   sync.RWMutex
	live *viper.Viper
	file string
	fs   afero.Fs

	subsMu   sync.Mutex
	subs     []chan<- struct{}
	watching bool
}

func newDynamicViper() *dynamicViper {
	return &dynamicViper{live: viper.New()}
}

func (d *dynamicViper) setFs(fs afero.Fs) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fs = fs
	d.live.SetFs(fs)
}

// acquire returns the live viper locked for reading or writing.
func (d *dynamicViper) acquire(write bool) (*viper.Viper, func()) {
	if write {
		d.mu.Lock()
		return d.live, d.mu.Unlock
	}
	d.mu.RLock()
	return d.live, d.mu.RUnlock
}

func (d *dynamicViper) allSettings() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.live.AllSettings()
}

// Notify registers ch to receive a non-blocking send after every reload.
// It panics once watching has started.
func (d *dynamicViper) Notify(ch chan<- struct{}) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	if d.watching {
		panic("viperutil: cannot add a reload subscriber after the config is watched")
	}
	d.subs = append(d.subs, ch)
}

func (d *dynamicViper) notify() {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// load reads file into the live viper's config layer.
func (d *dynamicViper) load(file, configType string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.file = file
	d.live.SetConfigFile(file)
	if configType != "" {
		d.live.SetConfigType(configType)
	}
	return d.live.ReadInConfig()
}

// reload re-reads the loaded file and notifies subscribers.
func (d *dynamicViper) reload() error {
	d.mu.Lock()
	err := d.live.ReadInConfig()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify()
	return nil
}

// Watch loads file and reloads it whenever it is written, until the
// returned cancel function is called. File events are only delivered for
// the OS filesystem; on any other afero.Fs the file is loaded once.
func (d *dynamicViper) Watch(ctx context.Context, file, configType string) (context.CancelFunc, error) {
	d.subsMu.Lock()
	if d.watching {
		d.subsMu.Unlock()
		return nil, errAlreadyWatching
	}
	d.watching = true
	d.subsMu.Unlock()

	if err := d.load(file, configType); err != nil {
		return nil, err
	}

	d.mu.RLock()
	_, onDisk := d.fs.(*afero.OsFs)
	d.mu.RUnlock()
	if !onDisk {
		return func() {}, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}
	// watch the directory: editors replace files rather than write to them
	if err := watcher.Add(filepath.Dir(file)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", file, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()
		target := filepath.Clean(file)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if err := d.reload(); err != nil {
					slog.Warn("failed to reload config", "file", file, "error", err)
					continue
				}
				slog.Info("config reloaded", "file", file, "op", ev.Op.String())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "file", file, "error", err)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}
