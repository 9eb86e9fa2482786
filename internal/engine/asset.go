// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kortschak/reel/config"
	"github.com/kortschak/reel/internal/animation"
	"github.com/kortschak/reel/internal/codec"
	"github.com/kortschak/reel/internal/playback"
	"github.com/kortschak/reel/internal/slogext"
	"github.com/kortschak/reel/internal/source"
)

// Status is the load status of an Asset.
type Status int

const (
	Loading Status = iota
	Ready
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrUnloaded is returned when creating a player for an unloaded asset.
var ErrUnloaded = errors.New("asset unloaded")

// Asset is a loaded source and its decoded frame sequence.
type Asset struct {
	id   uuid.UUID
	n    uint64
	key  string
	uri  string
	hint codec.Format
	cfg  config.Engine

	engine *Engine
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger

	seq  atomic.Pointer[animation.Sequence]
	read atomic.Int64

	mu       sync.Mutex
	format   codec.Format
	status   Status
	err      error
	owned    bool
	unloaded bool
	players  []*playback.Player
}

// ID returns the asset's identifier.
func (a *Asset) ID() uuid.UUID { return a.id }

// URI returns the asset's source URI. It is empty for in-memory sources.
func (a *Asset) URI() string { return a.uri }

// Sequence returns the latest published snapshot of the asset's frame
// sequence. It returns nil if no frame is available.
func (a *Asset) Sequence() *animation.Sequence { return a.seq.Load() }

// Done returns a channel that is closed when decoding has finished.
func (a *Asset) Done() <-chan struct{} { return a.done }

// Wait waits for decoding to finish and returns the decode error. If ctx
// is cancelled before decoding finishes, the context's error is returned.
func (a *Asset) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		return a.Err()
	}
}

// Err returns the terminal decode error.
func (a *Asset) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Status returns the asset's load status.
func (a *Asset) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Format returns the detected container format. It is Unknown until the
// container header has been read.
func (a *Asset) Format() codec.Format {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.format
}

// SourceBytes returns the number of encoded bytes read from the source.
func (a *Asset) SourceBytes() int64 {
	return a.read.Load()
}

// Retryable returns whether loading the source again may succeed where
// this load failed.
func (a *Asset) Retryable() bool {
	return retryable(a.Err())
}

// NewPlayer returns a player for the asset's sequence that submits frames
// to sink. Playback options not set in opts are taken from the engine
// configuration in effect when the asset was loaded. Stopping the player
// cancels the asset's decode if it has not finished.
func (a *Asset) NewPlayer(sink playback.Sink, opts playback.Options) (*playback.Player, error) {
	if opts.DefaultFrameDelay == 0 {
		opts.DefaultFrameDelay = a.cfg.DefaultFrameDelay()
	}
	if opts.LoopCount == nil {
		opts.LoopCount = a.cfg.DefaultLoopOverride
	}
	if opts.Log == nil {
		opts.Log = a.log
	}
	release := opts.Release
	opts.Release = func() {
		a.cancelLoading()
		if release != nil {
			release()
		}
	}
	p := playback.NewPlayer(a, sink, opts)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unloaded {
		return nil, ErrUnloaded
	}
	a.players = append(a.players, p)
	return p, nil
}

// cancelLoading cancels the asset's decode if it is still running.
func (a *Asset) cancelLoading() {
	if a.Status() == Loading {
		a.log.LogAttrs(context.Background(), slog.LevelDebug, "cancel load")
		a.cancel()
	}
}

// Unload cancels any decode in progress, closes the asset's players and
// releases its frames. No player of the asset submits a frame after
// Unload returns.
func (a *Asset) Unload() {
	a.mu.Lock()
	if a.unloaded {
		a.mu.Unlock()
		return
	}
	a.unloaded = true
	players := a.players
	a.players = nil
	a.mu.Unlock()

	a.cancel()
	for _, p := range players {
		p.Close()
	}
	<-a.done

	a.mu.Lock()
	if a.owned {
		a.engine.unref(a.seq.Load())
		a.owned = false
	}
	a.seq.Store(nil)
	a.mu.Unlock()
	a.engine.remove(a)
	a.log.LogAttrs(context.Background(), slog.LevelDebug, "unload", slog.Int64("live_bytes", a.engine.LiveBytes()))
}

// decode fetches and decodes the asset's source. The returned sequence
// holds the frames assembled before any error.
func (a *Asset) decode(ctx context.Context, src source.Source, sem *semaphore.Weighted) (*animation.Sequence, error) {
	err := sem.Acquire(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer sem.Release(1)

	stream, err := src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	stream = &countingStream{Stream: source.Limit(stream, a.cfg.MaxBufferedBytesPerSource), n: &a.read}
	defer stream.Close()

	dec, err := a.engine.reg.NewDecoder(source.NewReader(ctx, stream), a.hint, codec.Options{MaxDimension: a.cfg.MaxDimension})
	if err != nil {
		return nil, err
	}
	hdr := dec.Header()
	a.mu.Lock()
	a.format = hdr.Format
	a.mu.Unlock()
	a.log.LogAttrs(ctx, slog.LevelDebug, "header", slog.Any("format", slogext.Stringer{Stringer: hdr.Format}), slog.Int("width", hdr.Width), slog.Int("height", hdr.Height))

	asm, err := animation.NewAssembler(hdr.Width, hdr.Height, &a.engine.acct)
	if err != nil {
		return nil, err
	}
	defer asm.Release()
	asm.Opaque = a.cfg.Opaque

	var frames []animation.Frame
	snapshot := func(complete bool) *animation.Sequence {
		return &animation.Sequence{
			Width:     hdr.Width,
			Height:    hdr.Height,
			LoopCount: dec.LoopCount(),
			Frames:    frames[:len(frames):len(frames)],
			Complete:  complete,
		}
	}
	for {
		err = ctx.Err()
		if err != nil {
			return snapshot(false), err
		}
		raw, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return snapshot(false), err
		}
		f, err := asm.Add(raw)
		if err != nil {
			return snapshot(false), err
		}
		frames = append(frames, f)
		if a.cfg.Progressive {
			a.seq.Store(snapshot(false))
		}
	}
	if len(frames) == 0 {
		return nil, animation.Errorf(animation.CorruptStream, "decode", "no frames")
	}
	return snapshot(true), nil
}

// finish records the outcome of a decode, applying the truncated prefix
// policy and offering complete sequences to the engine's cache.
func (a *Asset) finish(ctx context.Context, seq *animation.Sequence, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cancelled := ctx.Err() != nil
	switch {
	case err == nil && !a.unloaded:
		a.status = Ready
		a.seq.Store(seq)
		a.owned = true
		a.engine.ref(seq)
		a.engine.cache(a.key, seq)
		a.log.LogAttrs(ctx, slog.LevelInfo, "loaded",
			slog.Int("frames", seq.Len()),
			slog.Int("loop_count", seq.LoopCount),
			slog.Duration("duration", seq.Duration()),
			slog.Any("bytes", slogext.Bytes(seq.Bytes())),
		)

	case !cancelled && !a.unloaded && a.cfg.KeepTruncatedPrefix && seq.Len() != 0 &&
		(errors.Is(err, animation.TruncatedData) || errors.Is(err, animation.CorruptStream)):
		seq.Complete = true
		seq.Truncated = true
		a.status = Ready
		a.err = err
		a.seq.Store(seq)
		a.owned = true
		a.engine.ref(seq)
		a.log.LogAttrs(ctx, slog.LevelWarn, "kept truncated prefix", slog.Int("frames", seq.Len()), slog.Any("error", err))

	default:
		a.seq.Store(nil)
		if seq != nil {
			a.engine.acct.Add(-seq.Bytes())
		}
		if err == nil {
			err = context.Canceled
		}
		a.err = err
		if cancelled || a.unloaded {
			a.status = Cancelled
			a.log.LogAttrs(ctx, slog.LevelDebug, "load cancelled", slog.Any("error", err))
		} else {
			a.status = Failed
			a.log.LogAttrs(ctx, slog.LevelError, "load failed", slog.Any("error", err), slog.Bool("retryable", retryable(err)))
		}
	}
}

// retryable returns whether err is a transient failure. Truncated data
// and transport failures without a definitive HTTP status are transient.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, animation.TruncatedData) {
		return true
	}
	var transErr *source.TransportError
	if !errors.As(err, &transErr) {
		return false
	}
	switch code := transErr.StatusCode; {
	case code == 0, code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	}
	return false
}

type countingStream struct {
	source.Stream
	n *atomic.Int64
}

func (s *countingStream) Next() ([]byte, error) {
	b, err := s.Stream.Next()
	s.n.Add(int64(len(b)))
	return b, err
}
