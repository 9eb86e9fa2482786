// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The reel command decodes and plays animated images.
//
// In daemon mode (-serve) reel loads and plays animations on request
// from a JSON RPC 2 control connection, writing emitted frames to a
// directory or discarding them. The one-shot modes describe a source
// (-info), write its frames as PNG files (-dump) or send a control call
// to a running daemon (-ctl).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/kortschak/jsonrpc2"
	"github.com/mattn/go-isatty"

	public "github.com/kortschak/reel/config"
	"github.com/kortschak/reel/internal/config"
	"github.com/kortschak/reel/internal/engine"
	"github.com/kortschak/reel/internal/playback"
	"github.com/kortschak/reel/internal/sink"
	"github.com/kortschak/reel/internal/slogext"
	"github.com/kortschak/reel/internal/store"
	"github.com/kortschak/reel/internal/version"
	"github.com/kortschak/reel/internal/xdg"
	"github.com/kortschak/reel/rpc"
)

func main() {
	os.Exit(Main())
}

const (
	// tick is the host loop interval in daemon mode.
	tick = 10 * time.Millisecond

	// cacheAge is the age beyond which HTTP validator
	// cache entries are pruned at startup.
	cacheAge = 30 * 24 * time.Hour
)

func Main() int {
	logging := flag.String("log", "info", "logging level (debug, info, warn or error)")
	lines := flag.Bool("lines", false, "display source line details in logs")
	v := flag.Bool("version", false, "print version and exit")
	cfgPath := flag.String("config", "", "configuration file path (default $XDG_CONFIG_HOME/reel/config.toml)")
	serve := flag.Bool("serve", false, "run as a daemon")
	network := flag.String("network", "unix", "control network (unix or tcp)")
	addr := flag.String("addr", "", "control address (default from the running daemon or runtime directory)")
	out := flag.String("out", "", "directory to write emitted frames to in daemon mode (default discard)")
	info := flag.Bool("info", false, "print a description of each source argument")
	dump := flag.String("dump", "", "directory to write the frames of the source argument to")
	ctl := flag.String("ctl", "", "call a daemon control method with an optional JSON argument")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: %[1]s -serve [options]
       %[1]s -info [options] <source>...
       %[1]s -dump <dir> [options] <source>
       %[1]s -ctl <method> [options] [<json>]

`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if *v {
		err := version.Print()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}

	var modes int
	for _, set := range []bool{*serve, *info, *dump != "", *ctl != ""} {
		if set {
			modes++
		}
	}
	if modes != 1 {
		flag.Usage()
		return 2
	}
	if *network != "unix" && *network != "tcp" {
		fmt.Fprintf(os.Stderr, "invalid network: %s\n", *network)
		return 2
	}

	var level slog.LevelVar
	err := level.UnmarshalText([]byte(*logging))
	if err != nil {
		flag.Usage()
		return 2
	}
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	levelSet := set["log"]
	addSource := slogext.NewAtomicBool(*lines)

	// log is the root logger.
	var h slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		h = slogext.NewTextHandler(os.Stderr, &slogext.HandlerOptions{
			Level:     &level,
			AddSource: addSource,
		})
	} else {
		h = slogext.NewJSONHandler(os.Stderr, &slogext.HandlerOptions{
			Level:     &level,
			AddSource: addSource,
		})
	}
	log := slog.New(slogext.GoID{Handler: h})
	// mlog is the logger for main.
	mlog := log.With(slog.String("component", "reel.main"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *ctl != "" {
		return control(ctx, *ctl, *network, *addr, flag.Args())
	}

	dirs, err := xdg.For("reel")
	if err != nil && *cfgPath == "" {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *cfgPath == "" {
		*cfgPath = filepath.Join(dirs.Config, "config.toml")
	}
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		if cfg == nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			return 1
		}
		mlog.LogAttrs(ctx, slog.LevelWarn, "invalid configuration", slog.String("path", *cfgPath), slog.Any("error", err))
	}
	applyLog(cfg.Log, &level, levelSet, addSource)

	switch {
	case *info:
		if flag.NArg() == 0 {
			flag.Usage()
			return 2
		}
		return describe(ctx, os.Stdout, flag.Args(), cfg.Engine, log)
	case *dump != "":
		if flag.NArg() != 1 {
			flag.Usage()
			return 2
		}
		return dumpFrames(ctx, os.Stdout, flag.Arg(0), *dump, cfg.Engine, log)
	}
	if flag.NArg() != 0 {
		flag.Usage()
		return 2
	}

	if ctl := cfg.Control; ctl != nil {
		if ctl.Network != "" && !set["network"] {
			*network = ctl.Network
		}
		if ctl.Addr != "" && !set["addr"] {
			*addr = ctl.Addr
		}
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		mlog.LogAttrs(ctx, slog.LevelInfo, "terminating")
		cancel()
	}()
	return daemon(ctx, dirs, *cfgPath, *network, *addr, *out, cfg, &level, levelSet, addSource, log)
}

// loadConfig loads the configuration at path. A missing file is the
// default configuration.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return public.Default(), nil
	}
	return cfg, err
}

// applyLog applies the logging configuration. The configured level is not
// applied if the level was set on the command line.
func applyLog(cfg *config.Log, level *slog.LevelVar, levelSet bool, addSource *atomic.Bool) {
	if cfg == nil {
		return
	}
	if cfg.Level != nil && !levelSet {
		level.Set(*cfg.Level)
	}
	if cfg.AddSource != nil {
		addSource.Store(*cfg.AddSource)
	}
}

// load loads the source at uri and waits for it to be decoded.
func load(ctx context.Context, e *engine.Engine, uri string) (*engine.Asset, error) {
	a, err := e.Load(ctx, engine.Request{URI: uri})
	if err != nil {
		return nil, err
	}
	err = a.Wait(ctx)
	if err != nil && a.Status() != engine.Ready {
		return nil, err
	}
	return a, nil
}

// describe writes a description of each source to w.
func describe(ctx context.Context, w io.Writer, uris []string, cfg *config.Engine, log *slog.Logger) int {
	e, err := engine.New(cfg, nil, engine.Options{Log: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
		return 1
	}
	defer e.Close()

	status := 0
	for _, uri := range uris {
		a, err := load(ctx, e, uri)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", uri, err)
			status = 1
			continue
		}
		seq := a.Sequence()
		durations := make([]string, len(seq.Frames))
		for i, f := range seq.Frames {
			durations[i] = f.Duration.String()
		}
		loop := fmt.Sprint(seq.LoopCount)
		switch r := seq.Repeats(); {
		case r < 0:
			loop += " (forever)"
		case r == 0:
			loop += " (once)"
		}
		fmt.Fprintf(w, "%s:\n\tformat: %s\n\tcanvas: %dx%d\n\tframes: %d\n\tloop count: %s\n\tduration: %v\n\tframe durations: %s\n\tsize: %s\n",
			uri, a.Format(), seq.Width, seq.Height, seq.Len(), loop, seq.Duration(),
			strings.Join(durations, " "), humanize.IBytes(uint64(seq.Bytes())))
		if err := a.Err(); err != nil {
			fmt.Fprintf(w, "\ttruncated: %v\n", err)
		}
		a.Unload()
	}
	return status
}

// dumpFrames writes the frames of the source at uri to PNG files in dir.
func dumpFrames(ctx context.Context, w io.Writer, uri, dir string, cfg *config.Engine, log *slog.Logger) int {
	e, err := engine.New(cfg, nil, engine.Options{Log: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
		return 1
	}
	defer e.Close()

	a, err := load(ctx, e, uri)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", uri, err)
		return 1
	}
	defer a.Unload()
	err = os.MkdirAll(dir, 0o755)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	seq := a.Sequence()
	for i, f := range seq.Frames {
		err = sink.WritePNG(filepath.Join(dir, fmt.Sprintf("frame-%06d.png", i)), f.Image)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to write frame %d: %v\n", i, err)
			return 1
		}
	}
	fmt.Fprintf(w, "wrote %d frames to %s\n", seq.Len(), dir)
	return 0
}

// controlFile is the name of the file in the runtime directory holding
// the running daemon's control network and address.
const controlFile = "control"

// control calls method on a running daemon and writes the indented
// result to stdout.
func control(ctx context.Context, method, network, addr string, args []string) int {
	var params any = rpc.None{}
	switch len(args) {
	case 0:
	case 1:
		if !json.Valid([]byte(args[0])) {
			fmt.Fprintf(os.Stderr, "invalid json argument: %s\n", args[0])
			return 2
		}
		params = json.RawMessage(args[0])
	default:
		flag.Usage()
		return 2
	}
	if addr == "" {
		dirs, err := xdg.For("reel")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		b, err := os.ReadFile(filepath.Join(dirs.Runtime, controlFile))
		if err != nil {
			fmt.Fprintf(os.Stderr, "no running daemon: %v\n", err)
			return 1
		}
		network, addr, _ = strings.Cut(strings.TrimSpace(string(b)), " ")
	}

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	c, err := rpc.Dial(ctx, network, addr, "reel", net.Dialer{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to daemon: %v\n", err)
		return 1
	}
	defer c.Close()
	res, err := rpc.Call[json.RawMessage](ctx, c, method, params)
	if err != nil {
		var werr *jsonrpc2.WireError
		if errors.As(err, &werr) && len(werr.Data) != 0 {
			fmt.Fprintf(os.Stderr, "%s: %s\n", werr.Message, werr.Data)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return 1
	}
	var buf bytes.Buffer
	err = json.Indent(&buf, res, "", "\t")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	buf.WriteByte('\n')
	os.Stdout.Write(buf.Bytes())
	return 0
}

// daemon runs the control server and host loop until ctx is cancelled.
func daemon(ctx context.Context, dirs xdg.Dirs, cfgPath, network, addr, out string, cfg *config.Config, level *slog.LevelVar, levelSet bool, addSource *atomic.Bool, log *slog.Logger) int {
	mlog := log.With(slog.String("component", "reel.main"))

	runtimeDir := dirs.Runtime
	if runtimeDir == "" {
		fmt.Fprintln(os.Stderr, "no runtime directory")
		return 1
	}
	err := os.MkdirAll(runtimeDir, 0o700)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	pidFile := filepath.Join(runtimeDir, "pid")
	fl := flock.New(pidFile)
	ok, err := fl.TryLock()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "reel is already running")
		return 1
	}
	defer func() {
		fl.Unlock()
		os.Remove(pidFile)
	}()
	pid := fmt.Sprintln(os.Getpid())
	err = os.WriteFile(pidFile, []byte(pid), 0o600)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	opts := engine.Options{Log: log}
	if dirs.Cache != "" && cfg.Engine.HTTPCache {
		err = os.MkdirAll(dirs.Cache, 0o755)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		path := filepath.Join(dirs.Cache, "http.sqlite3")
		db, err := store.Open(path, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open http cache: %v\n", err)
			return 1
		}
		defer db.Close()
		n, err := db.Prune(ctx, time.Now().Add(-cacheAge))
		if err != nil {
			mlog.LogAttrs(ctx, slog.LevelWarn, "http cache prune", slog.Any("error", err))
		}
		mlog.LogAttrs(ctx, slog.LevelInfo, "http cache", slog.String("path", path), slog.Int64("pruned", n))
		opts.HTTPCache = db
	}
	e, err := engine.New(cfg.Engine, nil, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start engine: %v\n", err)
		return 1
	}
	defer e.Close()

	var frames playback.Sink = &sink.Discard{}
	if out != "" {
		frames, err = sink.NewDir(out, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create output sink: %v\n", err)
			return 1
		}
	}

	if addr == "" {
		addr, err = rpc.DefaultAddr(network)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	var players playback.Group
	srv, err := rpc.NewServer(ctx, network, addr, e, frames, &players, jsonrpc2.NetListenOptions{}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start control server: %v\n", err)
		return 1
	}
	defer srv.Close()
	ctlFile := filepath.Join(runtimeDir, controlFile)
	err = os.WriteFile(ctlFile, []byte(network+" "+srv.Addr().String()+"\n"), 0o600)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer os.Remove(ctlFile)

	changes := make(chan config.Change)
	w, err := config.NewWatcher(ctx, cfgPath, changes, -1, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to watch configuration: %v\n", err)
		return 1
	}
	defer w.Close()
	go func() {
		err := w.Watch(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			mlog.LogAttrs(ctx, slog.LevelError, "config watcher", slog.Any("error", err))
		}
	}()
	go func() {
		for {
			var c config.Change
			select {
			case <-ctx.Done():
				return
			case c = <-changes:
			}
			if c.Err != nil {
				mlog.LogAttrs(ctx, slog.LevelWarn, "config stream error", slog.Any("error", c.Err))
			}
			cfg := c.Config
			if cfg == nil {
				if c.Err != nil {
					continue
				}
				// The configuration file was removed.
				cfg = public.Default()
			}
			applyLog(cfg.Log, level, levelSet, addSource)
			err := e.Configure(cfg.Engine)
			if err != nil {
				mlog.LogAttrs(ctx, slog.LevelWarn, "engine configure error", slog.Any("error", err))
			}
		}
	}()

	mlog.LogAttrs(ctx, slog.LevelInfo, "serving", slog.String("network", network), slog.String("addr", srv.Addr().String()))
	err = playback.Run(ctx, &players, tick)
	if err != nil && !errors.Is(err, context.Canceled) {
		mlog.LogAttrs(ctx, slog.LevelError, "host loop", slog.Any("error", err))
		return 1
	}
	return 0
}
