// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"crypto/sha1"
	"errors"
	"hash"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileDebounce is the default duration we wait for the contents to have
// stabilised to work around some editors writing an empty file and then the
// buffer.
const FileDebounce = 10 * time.Millisecond

// Change is a configuration change identified by a Watcher. A Change with
// a nil Config and a nil Err indicates that the configuration file was
// removed.
type Change struct {
	Event  []fsnotify.Event
	Config *Config
	Err    error
}

// Op returns an aggregated fsnotify.Op for all elements of the receivers'
// Event field.
func (c Change) Op() fsnotify.Op {
	switch len(c.Event) {
	case 0:
		return 0
	case 1:
		return c.Event[0].Op
	default:
		var op fsnotify.Op
		for _, o := range c.Event {
			op |= o.Op
		}
		return op
	}
}

// NewWatcher starts an fsnotify.Watcher for the provided configuration file,
// sending change events on the changes channel. The file's directory is
// watched so that editors that replace the file are followed. If the
// directory does not exist it is created. If the file exists, its
// configuration is sent as an initial create change once Watch is
// called. The debounce parameter specifies how long to wait after an
// fsnotify.Event before reading the file to ensure that writes will be
// reflected in the state checksum. If it is less than zero, FileDebounce
// is used.
func NewWatcher(ctx context.Context, path string, changes chan<- Change, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = watcher.Add(dir)
	if err != nil {
		watcher.Close()
		return nil, err
	}
	if debounce < 0 {
		debounce = FileDebounce
	}
	return &Watcher{
		path:     path,
		dir:      dir,
		debounce: debounce,
		watcher:  watcher,
		changes:  changes,
		hash:     sha1.New(),
		log:      log.With(slog.String("component", "config_watcher")),
	}, nil
}

// Watcher collects raw fsnotify.Events and aggregates and filters for
// semantically meaningful configuration changes.
type Watcher struct {
	path     string
	dir      string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	changes  chan<- Change
	hash     hash.Hash
	log      *slog.Logger

	// sum is the semantic hash of the last
	// configuration sent.
	sum *Sum
	// renamed is a pending rename of the
	// configuration file.
	renamed *fsnotify.Event
}

// Watch starts the watcher's event loop. It returns when ctx is cancelled
// or the fsnotify.Watcher is closed.
func (w *Watcher) Watch(ctx context.Context) error {
	defer w.watcher.Close()
	_, err := os.Stat(w.path)
	switch {
	case err == nil:
		w.send(ctx, fsnotify.Event{Name: w.path, Op: fsnotify.Create})
	case !errors.Is(err, fs.ErrNotExist):
		w.log.LogAttrs(ctx, slog.LevelError, "stat config", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.notify(ctx, Change{Err: err})
		}
	}
}

// Close closes the underlying fsnotify.Watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.path {
		if ev.Has(fsnotify.Remove) && filepath.Clean(ev.Name) == w.dir {
			w.log.LogAttrs(ctx, slog.LevelDebug, "remove config directory", slog.String("name", ev.Name))
			w.sum = nil
			w.notify(ctx, Change{Event: []fsnotify.Event{ev}})
			err := os.MkdirAll(w.dir, 0o755)
			if err != nil {
				w.log.LogAttrs(ctx, slog.LevelError, "replace config dir", slog.String("path", w.dir), slog.Any("error", err))
				return
			}
			err = w.watcher.Add(w.dir)
			if err != nil {
				w.log.LogAttrs(ctx, slog.LevelError, "replace watch", slog.Any("error", err))
			}
		}
		return
	}

	switch {
	case ev.Has(fsnotify.Write | fsnotify.Create):
		w.log.LogAttrs(ctx, slog.LevelDebug, "write", slog.String("name", ev.Name), slog.String("op", ev.Op.String()))
		fi, err := os.Stat(ev.Name)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				w.notify(ctx, Change{Err: err})
			}
			return
		}
		if fi.IsDir() {
			return
		}
		time.Sleep(w.debounce)
		w.send(ctx, ev)

	// Renames of the configuration file are seen as a rename/create
	// pair when an editor replaces the file. The create is compared
	// against the configuration held before the rename.
	case ev.Has(fsnotify.Rename):
		w.log.LogAttrs(ctx, slog.LevelDebug, "rename", slog.String("name", ev.Name), slog.Any("sum", sumValue{w.sum}))
		w.renamed = &ev

	case ev.Has(fsnotify.Remove):
		w.log.LogAttrs(ctx, slog.LevelDebug, "remove", slog.String("name", ev.Name))
		w.sum = nil
		w.renamed = nil
		w.notify(ctx, Change{Event: []fsnotify.Event{ev}})
	}
}

// send reads the configuration file and sends a change if its semantic
// hash differs from the last configuration sent.
func (w *Watcher) send(ctx context.Context, ev fsnotify.Event) {
	events := []fsnotify.Event{ev}
	if w.renamed != nil {
		events = []fsnotify.Event{*w.renamed, ev}
		w.renamed = nil
	}
	b, err := os.ReadFile(w.path)
	if err != nil {
		w.log.LogAttrs(ctx, slog.LevelError, "read file", slog.Any("error", err))
		w.notify(ctx, Change{Err: err})
		return
	}
	cfg, sum, err := unmarshalConfig(w.hash, b)
	if cfg != nil {
		if w.sum.Equal(&sum) {
			w.log.LogAttrs(ctx, slog.LevelDebug, "no change", slog.Any("sum", sumValue{&sum}))
			return
		}
		w.log.LogAttrs(ctx, slog.LevelDebug, "set hash", slog.Any("sum", sumValue{&sum}), slog.Any("previous", sumValue{w.sum}))
		w.sum = &sum
	}
	w.notify(ctx, Change{Event: events, Config: cfg, Err: err})
}

func (w *Watcher) notify(ctx context.Context, c Change) {
	w.log.LogAttrs(ctx, slog.LevelInfo, "config change", slog.Any("change", changeValue{c}))
	select {
	case <-ctx.Done():
	case w.changes <- c:
	}
}
