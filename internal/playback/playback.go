// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package playback provides a time driven player for frame sequences.
//
// A Player advances through the frames of a sequence as it is ticked by
// a host loop, submitting each newly displayed frame to a Sink. Ticking
// never blocks on decoding. When the next frame has not yet been
// decoded, the current frame is held until it is available.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/kortschak/reel/internal/animation"
)

// Status is the playback status of a Player.
type Status int

const (
	Stopped Status = iota
	Playing
	Paused
	Finished
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Sink is a frame destination. The pixels passed to Submit are straight
// alpha RGBA8 with a stride of 4×width and must not be retained beyond
// the call unless they are treated as read-only.
//
// Submit is called with the player's lock held and must not call back
// into the player.
type Sink interface {
	Submit(pix []byte, width, height int) error
}

// Capacity is implemented by sinks that can report whether a failed
// submission may succeed if retried.
type Capacity interface {
	HasCapacity() bool
}

// Feed provides the frames to be played.
type Feed interface {
	// Sequence returns the latest snapshot of the
	// sequence, or nil if no frames are available.
	Sequence() *animation.Sequence
	// Err returns the terminal decode error, if any.
	Err() error
}

// Options are Player options.
type Options struct {
	// Rate is the initial play rate. Zero is
	// treated as 1.
	Rate float64
	// DefaultFrameDelay replaces zero frame
	// durations in sequences with more than one
	// frame. If zero, frames with a zero duration
	// are held until seek or stop.
	DefaultFrameDelay time.Duration
	// LoopCount overrides the sequence's loop
	// count when not nil.
	LoopCount *int
	// Release is called by Stop to release
	// resources held for the player's sequence.
	Release func()
	Log     *slog.Logger
}

// State is a snapshot of a Player's state.
type State struct {
	Status Status `json:"status"`
	// Index is the current frame index.
	Index int `json:"index"`
	// Elapsed is the time accumulated within
	// the current frame.
	Elapsed time.Duration `json:"elapsed"`
	// Loop is the number of completed passes
	// that were followed by a restart.
	Loop int     `json:"loop"`
	Rate float64 `json:"rate"`

	// Frames is the number of frames currently
	// available and Complete indicates whether
	// decoding has finished.
	Frames   int  `json:"frames"`
	Complete bool `json:"complete"`
	// Available indicates that there is at
	// least one frame to show.
	Available bool `json:"available"`
	// Err is the terminal decode error.
	Err error `json:"-"`

	// Emitted is the number of frames accepted
	// by the sink and Dropped is the number of
	// frames the sink rejected.
	Emitted int `json:"emitted"`
	Dropped int `json:"dropped"`
	// SinkErr is the most recent sink rejection.
	SinkErr error `json:"-"`
}

// Player is a frame sequence player. All methods are safe for concurrent
// use.
type Player struct {
	feed Feed
	sink Sink
	log  *slog.Logger

	release   func()
	delay     time.Duration
	loopCount *int

	mu      sync.Mutex
	status  Status
	index   int
	acc     time.Duration
	loop    int
	rate    float64
	closed  bool
	shown   int // index of the last frame submitted, -1 if none
	emitted int
	dropped int
	sinkErr error
}

// ErrClosed is returned by operations on a closed Player.
var ErrClosed = errors.New("player closed")

// NewPlayer returns a stopped Player playing frames from feed to sink.
func NewPlayer(feed Feed, sink Sink, opts Options) *Player {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	rate := opts.Rate
	if rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		rate = 1
	}
	return &Player{
		feed:      feed,
		sink:      sink,
		log:       log.With(slog.String("component", "player")),
		release:   opts.Release,
		delay:     opts.DefaultFrameDelay,
		loopCount: opts.LoopCount,
		rate:      rate,
		shown:     -1,
	}
}

// Play starts playback. A stopped player starts at its current index,
// a paused player resumes and a finished player restarts from the first
// frame. Play is a no-op on a playing player.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	switch p.status {
	case Playing:
		return nil
	case Finished:
		p.rewind()
	}
	p.status = Playing
	p.log.LogAttrs(context.Background(), slog.LevelDebug, "play", slog.Int("index", p.index))
	p.show(p.feed.Sequence())
	return nil
}

// Pause pauses a playing player. It is a no-op otherwise.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == Playing {
		p.status = Paused
	}
}

// Resume resumes a paused player. It is a no-op otherwise.
func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == Paused {
		p.status = Playing
		p.show(p.feed.Sequence())
	}
}

// Stop stops playback, resetting the player to the first frame, and
// calls the player's release function.
func (p *Player) Stop() {
	p.mu.Lock()
	p.rewind()
	p.status = Stopped
	p.shown = -1
	p.mu.Unlock()

	// The release function may stop other players,
	// so it is called without holding the lock.
	if p.release != nil {
		p.release()
	}
}

// Restart resets the player to the first frame and starts playback
// without releasing resources.
func (p *Player) Restart() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.rewind()
	p.shown = -1
	p.status = Playing
	p.show(p.feed.Sequence())
	return nil
}

// Close stops the player and detaches it from its sink. No frame is
// submitted after Close returns.
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rewind()
	p.status = Stopped
	p.closed = true
}

func (p *Player) rewind() {
	p.index = 0
	p.acc = 0
	p.loop = 0
}

// Seek moves to frame i. A finished player is paused at frame i so that
// Play continues from there; the status is otherwise unchanged. The
// frame is submitted if the player is not stopped and the frame is not
// the one most recently submitted.
func (p *Player) Seek(i int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	seq := p.feed.Sequence()
	n := seq.Len()
	if i < 0 || i >= n {
		return fmt.Errorf("seek index %d out of range [0,%d)", i, n)
	}
	p.index = i
	p.acc = 0
	if p.status == Finished {
		p.status = Paused
	}
	if p.status != Stopped {
		p.show(seq)
	}
	return nil
}

// SetRate sets the play rate. The rate must be positive and finite.
func (p *Player) SetRate(r float64) error {
	if r <= 0 || math.IsInf(r, 0) || math.IsNaN(r) {
		return fmt.Errorf("invalid play rate: %v", r)
	}
	p.mu.Lock()
	p.rate = r
	p.mu.Unlock()
	return nil
}

// Duration returns the total display time of one pass of the currently
// available frames.
func (p *Player) Duration() time.Duration {
	seq := p.feed.Sequence()
	var d time.Duration
	for i := range seq.Len() {
		d += p.duration(seq, i)
	}
	return d
}

// State returns a snapshot of the player's state.
func (p *Player) State() State {
	seq := p.feed.Sequence()
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Status:    p.status,
		Index:     p.index,
		Elapsed:   p.acc,
		Loop:      p.loop,
		Rate:      p.rate,
		Frames:    seq.Len(),
		Complete:  seq != nil && seq.Complete,
		Available: seq.Len() != 0,
		Err:       p.feed.Err(),
		Emitted:   p.emitted,
		Dropped:   p.dropped,
		SinkErr:   p.sinkErr,
	}
}

// Tick advances a playing player by dt scaled by the play rate. Ticks
// while not playing are ignored.
func (p *Player) Tick(dt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != Playing || p.closed {
		return
	}
	seq := p.feed.Sequence()
	n := seq.Len()
	if n == 0 {
		return
	}
	if p.index >= n {
		// Only possible if the feed has been replaced
		// by a shorter sequence.
		p.index = n - 1
	}
	if dt > 0 {
		p.acc = advance(p.acc, dt, p.rate)
	}
	repeats := seq.Repeats()
	if p.loopCount != nil {
		repeats = (&animation.Sequence{LoopCount: *p.loopCount}).Repeats()
	}
	for {
		d := p.duration(seq, p.index)
		if d <= 0 || p.acc < d {
			break
		}
		if p.index+1 < n {
			p.acc -= d
			p.index++
			continue
		}
		if !seq.Complete {
			// Wait for the next frame and show it as
			// soon as it arrives.
			p.acc = d
			break
		}
		if repeats >= 0 && p.loop >= repeats {
			p.acc = d
			p.status = Finished
			p.log.LogAttrs(context.Background(), slog.LevelDebug, "finished", slog.Int("loops", p.loop))
			break
		}
		p.acc -= d
		p.index = 0
		p.loop++
		if repeats < 0 {
			// Skip whole passes of an endlessly
			// repeating sequence.
			if total := p.pass(seq); total > 0 && p.acc >= total {
				p.acc %= total
			}
		}
	}
	p.show(seq)
}

// maxElapsed is the largest accumulated time a player holds.
const maxElapsed = time.Duration(1 << 62)

// advance returns acc increased by dt scaled by rate, saturating at
// maxElapsed.
func advance(acc, dt time.Duration, rate float64) time.Duration {
	step := float64(dt) * rate
	if step >= float64(maxElapsed-acc) {
		return maxElapsed
	}
	return acc + time.Duration(step)
}

// pass returns the duration of a single pass of seq, or zero if any
// frame in seq is held indefinitely.
func (p *Player) pass(seq *animation.Sequence) time.Duration {
	var total time.Duration
	for i := range seq.Len() {
		d := p.duration(seq, i)
		if d <= 0 {
			return 0
		}
		total += d
	}
	return total
}

// duration returns the display time of frame i of seq.
func (p *Player) duration(seq *animation.Sequence, i int) time.Duration {
	d := seq.Frames[i].Duration
	if d == 0 && p.delay > 0 && (len(seq.Frames) > 1 || !seq.Complete) {
		return p.delay
	}
	return d
}

// show submits the current frame to the sink if it differs from the
// last submitted frame. It must be called with p.mu held.
func (p *Player) show(seq *animation.Sequence) {
	if p.closed || p.index >= seq.Len() || p.index == p.shown {
		return
	}
	p.shown = p.index
	f := seq.Frames[p.index]
	b := f.Image.Bounds()
	err := p.sink.Submit(f.Image.Pix, b.Dx(), b.Dy())
	if err != nil {
		if c, ok := p.sink.(Capacity); ok && c.HasCapacity() {
			err = p.sink.Submit(f.Image.Pix, b.Dx(), b.Dy())
		}
	}
	if err != nil {
		p.dropped++
		p.sinkErr = &animation.Error{Kind: animation.SinkRejected, Op: "submit", Err: err}
		p.log.LogAttrs(context.Background(), slog.LevelWarn, "dropped frame", slog.Int("index", p.index), slog.Any("error", p.sinkErr))
		return
	}
	p.emitted++
}
