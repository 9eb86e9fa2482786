// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package engine orchestrates fetching, decoding and assembling animated
// images and provides playback of the resulting frame sequences.
//
// Each loaded source is represented by an [Asset]. Decoding runs on a
// worker goroutine bounded by the engine's concurrency limit and
// publishes immutable snapshots of the sequence as frames are assembled.
// Completed sequences are cached by source identity and shared between
// assets loading the same source.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kortschak/reel/config"
	"github.com/kortschak/reel/internal/animation"
	"github.com/kortschak/reel/internal/codec"
	"github.com/kortschak/reel/internal/codec/gif"
	"github.com/kortschak/reel/internal/codec/webp"
	"github.com/kortschak/reel/internal/source"
)

// DefaultRegistry returns a codec registry holding the GIF and WebP
// decoders in addition to the still image formats.
func DefaultRegistry() *codec.Registry {
	reg := codec.NewRegistry()
	gif.Register(reg)
	webp.Register(reg)
	return reg
}

// Options are engine options.
type Options struct {
	// HTTPCache is the validator cache used for HTTP
	// sources when enabled by the configuration.
	HTTPCache source.ValidatorCache
	// Client is the HTTP client used for HTTP sources.
	// If nil, a client with the configured network
	// timeout is used.
	Client *http.Client
	Log    *slog.Logger
}

// Engine is an animated image decode engine.
type Engine struct {
	reg       *codec.Registry
	httpCache source.ValidatorCache
	client    *http.Client
	log       *slog.Logger

	acct animation.Accountant

	refMu sync.Mutex
	refs  map[*animation.Sequence]int

	mu     sync.Mutex
	cfg    config.Engine
	sem    *semaphore.Weighted
	seqs   *animation.Cache
	assets map[uuid.UUID]*Asset
	loads  uint64
	closed bool

	wg sync.WaitGroup
}

// ErrClosed is returned when loading into a closed engine.
var ErrClosed = errors.New("engine closed")

// New returns a new Engine. If cfg is nil, the default engine configuration
// is used and if reg is nil, DefaultRegistry is used.
func New(cfg *config.Engine, reg *codec.Registry, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultEngine()
	}
	if reg == nil {
		reg = DefaultRegistry()
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		reg:       reg,
		httpCache: opts.HTTPCache,
		client:    opts.Client,
		log:       log.With(slog.String("component", "engine")),
		refs:      make(map[*animation.Sequence]int),
		cfg:       *cfg,
		sem:       semaphore.NewWeighted(int64(max(cfg.MaxConcurrentDecodes, 1))),
		assets:    make(map[uuid.UUID]*Asset),
	}
	var err error
	e.seqs, err = animation.NewCache(cfg.CacheEntries, e.unref)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Configure changes the engine configuration. Concurrency and source
// limits apply to subsequent loads and playback options apply to players
// created after the change. Cached sequences are discarded if the change
// would alter decoded frames.
func (e *Engine) Configure(cfg *config.Engine) error {
	if cfg == nil {
		return errors.New("missing engine configuration")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	old := e.cfg
	e.cfg = *cfg
	if cfg.MaxConcurrentDecodes != old.MaxConcurrentDecodes {
		// Decodes in flight release into the
		// semaphore they acquired.
		e.sem = semaphore.NewWeighted(int64(max(cfg.MaxConcurrentDecodes, 1)))
	}
	if cfg.Opaque != old.Opaque || cfg.MaxDimension != old.MaxDimension {
		e.seqs.Purge()
	}
	switch {
	case cfg.CacheEntries <= 0:
		e.seqs.Purge()
		e.seqs = nil
	case e.seqs == nil:
		var err error
		e.seqs, err = animation.NewCache(cfg.CacheEntries, e.unref)
		if err != nil {
			return err
		}
	case cfg.CacheEntries != old.CacheEntries:
		e.seqs.Resize(cfg.CacheEntries)
	}
	e.log.LogAttrs(context.Background(), slog.LevelInfo, "configure", slog.Any("config", cfg))
	return nil
}

// Config returns a copy of the current engine configuration.
func (e *Engine) Config() config.Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// LiveBytes returns the number of bytes held in frame buffers by the
// engine, its assets and its cache.
func (e *Engine) LiveBytes() int64 {
	return e.acct.Live()
}

// CacheLen returns the number of cached sequences.
func (e *Engine) CacheLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seqs.Len()
}

// Request is a load request. Exactly one of URI and Data must be set.
type Request struct {
	// URI is the location of the source. It may be
	// an http or https URL, a file URL or a path.
	URI string
	// Data is an in-memory source.
	Data []byte
	// Hint is the format to use if the data is not
	// recognised.
	Hint codec.Format
}

// key returns the cache key for the request's source.
func (r Request) key() string {
	if r.URI != "" {
		return "uri:" + r.URI
	}
	sum := sha256.Sum256(r.Data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Load starts loading the requested source and returns its Asset. Load
// does not wait for decoding. The decode is not bound to ctx; it is
// cancelled by unloading the asset or closing the engine.
func (e *Engine) Load(ctx context.Context, req Request) (*Asset, error) {
	if (req.URI == "") == (req.Data == nil) {
		return nil, errors.New("load request must have exactly one of uri or data")
	}
	var src source.Source
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	cfg := e.cfg
	sem := e.sem
	e.loads++
	n := e.loads
	e.mu.Unlock()

	if req.URI != "" {
		opts := source.Options{
			MaxBytes: cfg.MaxBufferedBytesPerSource,
			Timeout:  cfg.NetworkTimeout(),
			Client:   e.client,
			Log:      e.log,
		}
		if cfg.HTTPCache {
			opts.Cache = e.httpCache
		}
		var err error
		src, err = source.Open(req.URI, opts)
		if err != nil {
			return nil, err
		}
	} else {
		src = source.Bytes{Data: req.Data, ChunkSize: 32 << 10}
	}

	decCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &Asset{
		id:     uuid.New(),
		n:      n,
		key:    req.key(),
		uri:    req.URI,
		hint:   req.Hint,
		cfg:    cfg,
		engine: e,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	log := e.log.With(slog.String("asset", a.id.String()), slog.String("uri", a.uri))
	a.log = log

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	e.assets[a.id] = a
	seq, cached := e.seqs.Get(a.key)
	if cached {
		e.ref(seq)
	}
	e.mu.Unlock()

	if cached {
		log.LogAttrs(ctx, slog.LevelDebug, "cache hit", slog.Int("frames", seq.Len()))
		a.mu.Lock()
		a.seq.Store(seq)
		a.status = Ready
		a.owned = true
		a.mu.Unlock()
		cancel()
		close(a.done)
		return a, nil
	}

	log.LogAttrs(ctx, slog.LevelDebug, "load")
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(a.done)
		seq, err := a.decode(decCtx, src, sem)
		a.finish(decCtx, seq, err)
	}()
	return a, nil
}

// Asset returns the asset with the provided ID.
func (e *Engine) Asset(id string) (*Asset, bool) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.assets[uid]
	return a, ok
}

// Assets returns the engine's loaded assets in load order.
func (e *Engine) Assets() []*Asset {
	e.mu.Lock()
	assets := make([]*Asset, 0, len(e.assets))
	for _, a := range e.assets {
		assets = append(assets, a)
	}
	e.mu.Unlock()
	slices.SortFunc(assets, func(a, b *Asset) int {
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		default:
			return 0
		}
	})
	return assets
}

// Close unloads all assets, discards cached sequences and waits for all
// decoding to finish.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	for _, a := range e.Assets() {
		a.Unload()
	}
	e.wg.Wait()

	e.mu.Lock()
	e.seqs.Purge()
	e.mu.Unlock()
	if n := e.acct.Live(); n != 0 {
		e.log.LogAttrs(context.Background(), slog.LevelWarn, "live bytes after close", slog.Int64("bytes", n))
	}
	return nil
}

func (e *Engine) remove(a *Asset) {
	e.mu.Lock()
	delete(e.assets, a.id)
	e.mu.Unlock()
}

// cache offers seq to the sequence cache.
func (e *Engine) cache(key string, seq *animation.Sequence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.seqs.Contains(key, seq) {
		return
	}
	e.ref(seq)
	if !e.seqs.Add(key, seq) {
		e.unref(seq)
	}
}

// ref records a new owner of seq's frame buffers.
func (e *Engine) ref(seq *animation.Sequence) {
	e.refMu.Lock()
	e.refs[seq]++
	e.refMu.Unlock()
}

// unref releases an owner of seq's frame buffers, crediting the
// accountant when no owners remain.
func (e *Engine) unref(seq *animation.Sequence) {
	e.refMu.Lock()
	defer e.refMu.Unlock()
	n, ok := e.refs[seq]
	if !ok {
		panic(fmt.Sprintf("release of unowned sequence %p", seq))
	}
	if n > 1 {
		e.refs[seq] = n - 1
		return
	}
	delete(e.refs, seq)
	e.acct.Add(-seq.Bytes())
}
