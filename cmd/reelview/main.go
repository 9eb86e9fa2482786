// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The reelview command plays an animated image in a window.
//
// Keys: space pauses and resumes, left and right arrows step between
// frames, R restarts and Q quits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/kortschak/reel/internal/engine"
	"github.com/kortschak/reel/internal/playback"
	"github.com/kortschak/reel/internal/sink/ebitensink"
	"github.com/kortschak/reel/internal/slogext"
)

func main() {
	os.Exit(Main())
}

func Main() int {
	logging := flag.String("log", "info", "logging level (debug, info, warn or error)")
	rate := flag.Float64("rate", 1, "play rate")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] <file or url>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}

	var level slog.LevelVar
	err := level.UnmarshalText([]byte(*logging))
	if err != nil {
		flag.Usage()
		return 2
	}
	log := slog.New(slogext.GoID{Handler: slogext.NewTextHandler(os.Stderr, &slogext.HandlerOptions{
		Level: &level,
	})})

	e, err := engine.New(nil, nil, engine.Options{Log: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
		return 1
	}
	defer e.Close()

	a, err := e.Load(context.Background(), engine.Request{URI: flag.Arg(0)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", flag.Arg(0), err)
		return 1
	}
	var s ebitensink.Sink
	p, err := a.NewPlayer(&s, playback.Options{Rate: *rate, Log: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start player: %v\n", err)
		return 1
	}
	err = p.Play()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start playback: %v\n", err)
		return 1
	}

	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowSize(640, 480)
	ebiten.SetWindowTitle("reelview: " + flag.Arg(0))
	err = ebiten.RunGame(&viewer{asset: a, player: p, sink: &s, log: log})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := a.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "decode error: %v\n", err)
		return 1
	}
	return 0
}

type viewer struct {
	asset  *engine.Asset
	player *playback.Player
	sink   *ebitensink.Sink
	log    *slog.Logger

	sized bool
}

func (v *viewer) Update() error {
	ctx := context.Background()
	switch {
	case inpututil.IsKeyJustPressed(ebiten.KeyQ):
		return ebiten.Termination
	case inpututil.IsKeyJustPressed(ebiten.KeySpace):
		switch v.player.State().Status {
		case playback.Playing:
			v.player.Pause()
		case playback.Paused:
			v.player.Resume()
		default:
			v.player.Play()
		}
	case inpututil.IsKeyJustPressed(ebiten.KeyR):
		v.player.Restart()
	case inpututil.IsKeyJustPressed(ebiten.KeyLeft), inpututil.IsKeyJustPressed(ebiten.KeyRight):
		st := v.player.State()
		if st.Frames == 0 {
			break
		}
		i := st.Index + 1
		if inpututil.IsKeyJustPressed(ebiten.KeyLeft) {
			i = st.Index - 1 + st.Frames
		}
		err := v.player.Seek(i % st.Frames)
		if err != nil {
			v.log.LogAttrs(ctx, slog.LevelWarn, "seek", slog.Any("error", err))
		}
	}
	v.player.Tick(time.Second / time.Duration(ebiten.TPS()))

	if !v.sized {
		if w, h := v.sink.Size(); w != 0 && h != 0 {
			ebiten.SetWindowSize(max(w, 64), max(h, 64))
			v.sized = true
		}
	}
	return nil
}

func (v *viewer) Draw(screen *ebiten.Image) {
	v.sink.Draw(screen)
}

func (v *viewer) Layout(outsideWidth, outsideHeight int) (int, int) {
	return outsideWidth, outsideHeight
}
