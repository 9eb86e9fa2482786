// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package playback

import (
	"context"
	"errors"
	"flag"
	"image"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/kortschak/reel/internal/animation"
	"github.com/kortschak/reel/internal/locked"
	"github.com/kortschak/reel/internal/slogext"
)

var (
	verbose = flag.Bool("verbose_log", false, "print full logging")
	lines   = flag.Bool("show_lines", false, "log source code position")
)

func newTestLog(t *testing.T) *slog.Logger {
	t.Helper()
	var logBuf locked.BytesBuffer
	t.Cleanup(func() {
		if *verbose && logBuf.Len() != 0 {
			t.Logf("log:\n%s\n", &logBuf)
		}
	})
	return slog.New(slogext.NewJSONHandler(&logBuf, &slogext.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: slogext.NewAtomicBool(*lines),
	}))
}

const ms = time.Millisecond

// sequence returns a sequence of 1×1 frames with the provided durations.
// The first byte of each frame's pixels holds its index.
func sequence(loop int, complete bool, durations ...time.Duration) *animation.Sequence {
	seq := &animation.Sequence{Width: 1, Height: 1, LoopCount: loop, Complete: complete}
	for i, d := range durations {
		img := image.NewNRGBA(image.Rect(0, 0, 1, 1))
		img.Pix[0] = byte(i)
		seq.Frames = append(seq.Frames, animation.Frame{Image: img, Duration: d})
	}
	return seq
}

type feed struct {
	mu  sync.Mutex
	seq *animation.Sequence
	err error
}

func (f *feed) Sequence() *animation.Sequence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *feed) set(seq *animation.Sequence, err error) {
	f.mu.Lock()
	f.seq, f.err = seq, err
	f.mu.Unlock()
}

// sink records the index of each accepted frame.
type sink struct {
	got   []int
	calls int
	// fail is the number of submissions
	// to reject, negative to reject all.
	fail int
}

var errFull = errors.New("full")

func (s *sink) Submit(pix []byte, width, height int) error {
	s.calls++
	if width != 1 || height != 1 || len(pix) != 4 {
		return errors.New("bad frame")
	}
	if s.fail != 0 {
		s.fail--
		return errFull
	}
	s.got = append(s.got, int(pix[0]))
	return nil
}

type capacitySink struct {
	sink
	capacity bool
}

func (s *capacitySink) HasCapacity() bool { return s.capacity }

func TestStateMachine(t *testing.T) {
	var released int
	var dst sink
	p := NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 10*ms)}, &dst, Options{
		Release: func() { released++ },
		Log:     newTestLog(t),
	})

	steps := []struct {
		name string
		do   func()
		want Status
	}{
		{name: "initial", do: func() {}, want: Stopped},
		{name: "pause_stopped", do: p.Pause, want: Stopped},
		{name: "resume_stopped", do: p.Resume, want: Stopped},
		{name: "play", do: func() { p.Play() }, want: Playing},
		{name: "play_playing", do: func() { p.Play() }, want: Playing},
		{name: "resume_playing", do: p.Resume, want: Playing},
		{name: "pause", do: p.Pause, want: Paused},
		{name: "pause_paused", do: p.Pause, want: Paused},
		{name: "tick_paused", do: func() { p.Tick(time.Second) }, want: Paused},
		{name: "resume", do: p.Resume, want: Playing},
		{name: "pause_again", do: p.Pause, want: Paused},
		{name: "play_paused", do: func() { p.Play() }, want: Playing},
		{name: "stop", do: p.Stop, want: Stopped},
	}
	for _, step := range steps {
		step.do()
		got := p.State().Status
		if got != step.want {
			t.Errorf("unexpected status after %s: got:%v want:%v", step.name, got, step.want)
		}
	}
	if released != 1 {
		t.Errorf("unexpected number of releases: got:%d want:1", released)
	}
	if want := []int{0}; !cmp.Equal(dst.got, want) {
		t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
	}
	st := p.State()
	if st.Index != 0 || st.Elapsed != 0 || st.Loop != 0 {
		t.Errorf("stop did not reset position: %+v", st)
	}
}

func TestTick(t *testing.T) {
	var dst sink
	p := NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 20*ms, 30*ms)}, &dst, Options{Log: newTestLog(t)})

	// Ticks before play are ignored.
	p.Tick(time.Second)
	if len(dst.got) != 0 {
		t.Fatalf("unexpected emission before play: %v", dst.got)
	}

	p.Play()
	for _, step := range []struct {
		dt      time.Duration
		index   int
		elapsed time.Duration
		status  Status
	}{
		{dt: 5 * ms, index: 0, elapsed: 5 * ms, status: Playing},
		{dt: 5 * ms, index: 1, elapsed: 0, status: Playing},
		{dt: 25 * ms, index: 2, elapsed: 5 * ms, status: Playing},
		{dt: 0, index: 2, elapsed: 5 * ms, status: Playing},
		{dt: 25 * ms, index: 2, elapsed: 30 * ms, status: Finished},
		{dt: time.Second, index: 2, elapsed: 30 * ms, status: Finished},
	} {
		p.Tick(step.dt)
		st := p.State()
		if st.Index != step.index || st.Elapsed != step.elapsed || st.Status != step.status {
			t.Errorf("unexpected state after tick of %v: got:index=%d elapsed=%v status=%v want:index=%d elapsed=%v status=%v",
				step.dt, st.Index, st.Elapsed, st.Status, step.index, step.elapsed, step.status)
		}
	}
	if want := []int{0, 1, 2}; !cmp.Equal(dst.got, want) {
		t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
	}

	// Play from finished restarts.
	p.Play()
	st := p.State()
	if st.Status != Playing || st.Index != 0 || st.Loop != 0 {
		t.Errorf("unexpected state after replay: %+v", st)
	}
	if want := []int{0, 1, 2, 0}; !cmp.Equal(dst.got, want) {
		t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
	}
}

func TestLoopCount(t *testing.T) {
	minusOne := -1
	for _, test := range []struct {
		name     string
		loop     int
		override *int
		ticks    int
		want     []int
		loops    int
		finished bool
	}{
		{name: "once", loop: -1, ticks: 10, want: []int{0, 1}, loops: 0, finished: true},
		{name: "repeat_2", loop: 2, ticks: 20, want: []int{0, 1, 0, 1, 0, 1}, loops: 2, finished: true},
		{name: "forever", loop: 0, ticks: 1000, want: nil, loops: 500, finished: false},
		{name: "override", loop: 0, override: &minusOne, ticks: 10, want: []int{0, 1}, loops: 0, finished: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			var dst sink
			p := NewPlayer(&feed{seq: sequence(test.loop, true, 10*ms, 10*ms)}, &dst, Options{
				LoopCount: test.override,
				Log:       newTestLog(t),
			})
			p.Play()
			for range test.ticks {
				p.Tick(10 * ms)
			}
			st := p.State()
			if (st.Status == Finished) != test.finished {
				t.Errorf("unexpected status: got:%v finished:%t", st.Status, test.finished)
			}
			if st.Loop != test.loops {
				t.Errorf("unexpected loop count: got:%d want:%d", st.Loop, test.loops)
			}
			if test.want != nil && !cmp.Equal(dst.got, test.want) {
				t.Errorf("unexpected emissions: got:%v want:%v", dst.got, test.want)
			}
			if test.want == nil && len(dst.got) != test.ticks+1 {
				t.Errorf("unexpected number of emissions: got:%d want:%d", len(dst.got), test.ticks+1)
			}
		})
	}
}

func TestLongTick(t *testing.T) {
	var dst sink
	p := NewPlayer(&feed{seq: sequence(0, true, 10*ms, 10*ms)}, &dst, Options{Log: newTestLog(t)})
	p.Play()
	p.Tick(time.Hour + 5*ms)
	st := p.State()
	if st.Index != 0 || st.Elapsed != 5*ms || st.Status != Playing {
		t.Errorf("unexpected state: %+v", st)
	}
	// The displayed frame did not change.
	if want := []int{0}; !cmp.Equal(dst.got, want) {
		t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
	}
}

func TestZeroDuration(t *testing.T) {
	t.Run("held", func(t *testing.T) {
		var dst sink
		p := NewPlayer(&feed{seq: sequence(0, true, 10*ms, 0, 10*ms)}, &dst, Options{Log: newTestLog(t)})
		p.Play()
		p.Tick(10 * ms)
		p.Tick(time.Hour)
		if st := p.State(); st.Index != 1 || st.Status != Playing {
			t.Errorf("zero duration frame not held: %+v", st)
		}
		err := p.Seek(2)
		if err != nil {
			t.Fatalf("unexpected seek error: %v", err)
		}
		p.Tick(10 * ms)
		if want := []int{0, 1, 2, 0}; !cmp.Equal(dst.got, want) {
			t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
		}
	})

	t.Run("default_delay", func(t *testing.T) {
		var dst sink
		p := NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 0, 10*ms)}, &dst, Options{
			DefaultFrameDelay: 50 * ms,
			Log:               newTestLog(t),
		})
		if got, want := p.Duration(), 70*ms; got != want {
			t.Errorf("unexpected duration: got:%v want:%v", got, want)
		}
		p.Play()
		p.Tick(10 * ms)
		p.Tick(49 * ms)
		if st := p.State(); st.Index != 1 {
			t.Errorf("unexpected index: got:%d want:1", st.Index)
		}
		p.Tick(1 * ms)
		if st := p.State(); st.Index != 2 {
			t.Errorf("unexpected index: got:%d want:2", st.Index)
		}
	})

	t.Run("single_frame", func(t *testing.T) {
		var dst sink
		p := NewPlayer(&feed{seq: sequence(-1, true, 0)}, &dst, Options{
			DefaultFrameDelay: 50 * ms,
			Log:               newTestLog(t),
		})
		if got := p.Duration(); got != 0 {
			t.Errorf("unexpected duration: got:%v want:0", got)
		}
		p.Play()
		p.Tick(time.Hour)
		if st := p.State(); st.Status != Playing {
			t.Errorf("single still frame not held: %+v", st)
		}
	})
}

func TestSeek(t *testing.T) {
	var dst sink
	p := NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 10*ms, 10*ms)}, &dst, Options{Log: newTestLog(t)})

	// Seeking while stopped does not emit.
	err := p.Seek(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dst.got) != 0 {
		t.Errorf("unexpected emission while stopped: %v", dst.got)
	}
	p.Play()
	p.Tick(5 * ms)
	for range 2 {
		err = p.Seek(1)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		st := p.State()
		if st.Index != 1 || st.Elapsed != 0 || st.Status != Playing {
			t.Errorf("unexpected state after seek: %+v", st)
		}
	}
	p.Pause()
	err = p.Seek(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := p.State(); st.Status != Paused {
		t.Errorf("seek changed status: %v", st.Status)
	}
	if want := []int{2, 1, 0}; !cmp.Equal(dst.got, want) {
		t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
	}

	for _, i := range []int{-1, 3} {
		err = p.Seek(i)
		if err == nil {
			t.Errorf("expected error for seek to %d", i)
		}
	}
	if st := p.State(); st.Index != 0 {
		t.Errorf("failed seek changed index: %d", st.Index)
	}
}

func TestSeekFinished(t *testing.T) {
	var dst sink
	p := NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 10*ms, 10*ms)}, &dst, Options{Log: newTestLog(t)})
	p.Play()
	p.Tick(30 * ms)
	if st := p.State(); st.Status != Finished || st.Index != 2 {
		t.Fatalf("unexpected state before seek: %+v", st)
	}

	err := p.Seek(1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := p.State(); st.Status != Paused || st.Index != 1 {
		t.Errorf("unexpected state after seek: %+v", st)
	}
	err = p.Play()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := p.State(); st.Status != Playing || st.Index != 1 {
		t.Errorf("unexpected state after play: %+v", st)
	}
	p.Tick(10 * ms)
	p.Tick(10 * ms)
	if st := p.State(); st.Status != Finished || st.Index != 2 {
		t.Errorf("unexpected final state: %+v", st)
	}
	if want := []int{0, 2, 1, 2}; !cmp.Equal(dst.got, want) {
		t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
	}
}

func TestProgressive(t *testing.T) {
	var (
		src feed
		dst sink
	)
	p := NewPlayer(&src, &dst, Options{Log: newTestLog(t)})
	p.Play()
	p.Tick(10 * ms)
	st := p.State()
	if st.Available || st.Status != Playing || len(dst.got) != 0 {
		t.Errorf("unexpected state with no frames: %+v emitted:%v", st, dst.got)
	}
	if p.Seek(0) == nil {
		t.Error("expected error seeking with no frames")
	}

	src.set(sequence(0, false, 10*ms), nil)
	p.Tick(0)
	p.Tick(100 * ms)
	st = p.State()
	if !st.Available || st.Complete || st.Index != 0 || st.Elapsed != 10*ms {
		t.Errorf("unexpected state waiting for frame: %+v", st)
	}

	src.set(sequence(0, false, 10*ms, 10*ms), nil)
	p.Tick(0)
	if st := p.State(); st.Index != 1 || st.Elapsed != 0 {
		t.Errorf("new frame not shown on arrival: %+v", st)
	}

	src.set(sequence(0, true, 10*ms, 10*ms), nil)
	p.Tick(10 * ms)
	if st := p.State(); st.Index != 0 || st.Loop != 1 || !st.Complete {
		t.Errorf("unexpected state after completion: %+v", st)
	}
	if want := []int{0, 1, 0}; !cmp.Equal(dst.got, want) {
		t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
	}

	decodeErr := animation.Errorf(animation.CorruptStream, "test", "bad data")
	src.set(nil, decodeErr)
	st = p.State()
	if st.Available || !errors.Is(st.Err, animation.CorruptStream) {
		t.Errorf("decode error not reported: %+v", st)
	}
	p.Tick(10 * ms)
}

func TestSinkFailure(t *testing.T) {
	for _, test := range []struct {
		name     string
		fail     int
		capacity bool
		calls    int
		got      []int
		dropped  int
	}{
		{name: "retry_succeeds", fail: 1, capacity: true, calls: 3, got: []int{0, 1}, dropped: 0},
		{name: "retry_fails", fail: 2, capacity: true, calls: 3, got: []int{1}, dropped: 1},
		{name: "no_capacity", fail: 1, capacity: false, calls: 2, got: []int{1}, dropped: 1},
	} {
		t.Run(test.name, func(t *testing.T) {
			dst := &capacitySink{sink: sink{fail: test.fail}, capacity: test.capacity}
			p := NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 10*ms)}, dst, Options{Log: newTestLog(t)})
			p.Play()
			p.Tick(10 * ms)
			if dst.calls != test.calls {
				t.Errorf("unexpected number of submissions: got:%d want:%d", dst.calls, test.calls)
			}
			if !cmp.Equal(dst.got, test.got) {
				t.Errorf("unexpected emissions: got:%v want:%v", dst.got, test.got)
			}
			st := p.State()
			if st.Dropped != test.dropped {
				t.Errorf("unexpected dropped count: got:%d want:%d", st.Dropped, test.dropped)
			}
			if st.Emitted != len(test.got) {
				t.Errorf("unexpected emitted count: got:%d want:%d", st.Emitted, len(test.got))
			}
			if test.dropped != 0 {
				if !errors.Is(st.SinkErr, animation.SinkRejected) || !errors.Is(st.SinkErr, errFull) {
					t.Errorf("unexpected sink error: %v", st.SinkErr)
				}
			}
			if st.Index != 1 {
				t.Errorf("playback did not continue: index=%d", st.Index)
			}
		})
	}

	t.Run("plain_sink", func(t *testing.T) {
		dst := &sink{fail: 1}
		p := NewPlayer(&feed{seq: sequence(-1, true, 10*ms)}, dst, Options{Log: newTestLog(t)})
		p.Play()
		if dst.calls != 1 || p.State().Dropped != 1 {
			t.Errorf("unexpected retry without capacity: calls=%d", dst.calls)
		}
	})
}

func TestRate(t *testing.T) {
	var dst sink
	p := NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 10*ms)}, &dst, Options{Rate: 2, Log: newTestLog(t)})
	p.Play()
	p.Tick(5 * ms)
	if st := p.State(); st.Index != 1 || st.Rate != 2 {
		t.Errorf("unexpected state at rate 2: %+v", st)
	}
	for _, r := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if p.SetRate(r) == nil {
			t.Errorf("expected error for rate %v", r)
		}
	}
	err := p.SetRate(0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Tick(10 * ms)
	if st := p.State(); st.Index != 1 || st.Elapsed != 5*ms {
		t.Errorf("unexpected state at rate 0.5: %+v", st)
	}
}

func TestHugeRate(t *testing.T) {
	var dst sink
	p := NewPlayer(&feed{seq: sequence(0, true, 10*ms, 10*ms, 10*ms)}, &dst, Options{Log: newTestLog(t)})
	err := p.SetRate(1e300)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Play()
	for range 3 {
		p.Tick(10 * ms)
		st := p.State()
		if st.Elapsed < 0 || st.Elapsed >= 30*ms {
			t.Errorf("unexpected elapsed time: %v", st.Elapsed)
		}
		if st.Status != Playing || st.Index < 0 || st.Index >= 3 {
			t.Errorf("unexpected state: %+v", st)
		}
	}

	var held sink
	p = NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 0)}, &held, Options{Rate: 1e300, Log: newTestLog(t)})
	p.Play()
	for range 3 {
		p.Tick(time.Hour)
		if st := p.State(); st.Index != 1 || st.Elapsed <= 0 || st.Elapsed > maxElapsed {
			t.Errorf("unexpected state on held frame: %+v", st)
		}
	}
}

func TestRestart(t *testing.T) {
	var released int
	var dst sink
	p := NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 10*ms)}, &dst, Options{
		Release: func() { released++ },
		Log:     newTestLog(t),
	})
	p.Play()
	p.Tick(15 * ms)
	err := p.Restart()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	st := p.State()
	if st.Index != 0 || st.Elapsed != 0 || st.Status != Playing {
		t.Errorf("unexpected state after restart: %+v", st)
	}
	if released != 0 {
		t.Errorf("restart released resources")
	}
	if want := []int{0, 1, 0}; !cmp.Equal(dst.got, want) {
		t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
	}
}

func TestClose(t *testing.T) {
	var dst sink
	p := NewPlayer(&feed{seq: sequence(0, true, 10*ms, 10*ms)}, &dst, Options{Log: newTestLog(t)})
	p.Play()
	p.Close()
	p.Tick(10 * ms)
	if err := p.Play(); !errors.Is(err, ErrClosed) {
		t.Errorf("unexpected error: got:%v want:%v", err, ErrClosed)
	}
	if err := p.Seek(1); !errors.Is(err, ErrClosed) {
		t.Errorf("unexpected error: got:%v want:%v", err, ErrClosed)
	}
	if want := []int{0}; !cmp.Equal(dst.got, want) {
		t.Errorf("unexpected emissions: got:%v want:%v", dst.got, want)
	}
}

type counter struct {
	mu    sync.Mutex
	n     int
	total time.Duration
}

func (c *counter) Tick(dt time.Duration) {
	c.mu.Lock()
	c.n++
	c.total += dt
	c.mu.Unlock()
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*ms)
	defer cancel()
	var c counter
	err := Run(ctx, &c, ms)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("unexpected error: got:%v want:%v", err, context.DeadlineExceeded)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == 0 || c.total <= 0 {
		t.Errorf("no ticks: n=%d total=%v", c.n, c.total)
	}
}

func TestGroup(t *testing.T) {
	var a, b sink
	pa := NewPlayer(&feed{seq: sequence(-1, true, 10*ms, 10*ms)}, &a, Options{})
	pb := NewPlayer(&feed{seq: sequence(-1, true, 20*ms, 10*ms)}, &b, Options{})
	var g Group
	g.Add(pa)
	g.Add(pb)
	pa.Play()
	pb.Play()
	g.Tick(10 * ms)
	if pa.State().Index != 1 || pb.State().Index != 0 {
		t.Errorf("unexpected indexes: a=%d b=%d", pa.State().Index, pb.State().Index)
	}
	g.Remove(pa)
	if g.Len() != 1 {
		t.Errorf("unexpected group size: %d", g.Len())
	}
	g.Tick(10 * ms)
	if pb.State().Index != 1 {
		t.Errorf("remaining player not ticked")
	}
}
