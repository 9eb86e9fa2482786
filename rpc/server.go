// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"

	"github.com/kortschak/jsonrpc2"

	"github.com/kortschak/reel/internal/animation"
	"github.com/kortschak/reel/internal/codec"
	"github.com/kortschak/reel/internal/engine"
	"github.com/kortschak/reel/internal/playback"
	"github.com/kortschak/reel/internal/slogext"
	"github.com/kortschak/reel/internal/version"
	"github.com/kortschak/reel/internal/xdg"
)

// RuntimeDir is the path within XDG_RUNTIME_DIR that the control socket
// is created in if the unix network is used for communication.
const RuntimeDir = "reel"

// serverName is the sender name of server messages.
const serverName = "reel"

// DefaultAddr returns the default control address for the network. For
// the unix network it is a socket in the user's runtime directory.
func DefaultAddr(network string) (string, error) {
	if network != "unix" {
		return "localhost:0", nil
	}
	dirs, err := xdg.For(RuntimeDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dirs.Runtime, "control.sock"), nil
}

// Server is a JSON RPC 2 control server for an engine. Each asset loaded
// through the server has a player submitting to the server's sink.
type Server struct {
	listener *netListener
	server   *jsonrpc2.Server
	network  string

	engine  *engine.Engine
	sink    playback.Sink
	players *playback.Group

	log *slog.Logger

	mu     sync.Mutex
	served map[string]*served
}

type served struct {
	asset  *engine.Asset
	player *playback.Player
}

// NewServer returns a new Server listening on the provided network and
// address. The network may be either "unix" or "tcp". If addr is empty
// DefaultAddr is used. Players created by the server are added to players
// which must be ticked by the caller's host loop.
func NewServer(ctx context.Context, network, addr string, e *engine.Engine, sink playback.Sink, players *playback.Group, options jsonrpc2.NetListenOptions, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := Server{
		network: network,
		engine:  e,
		sink:    sink,
		players: players,
		served:  make(map[string]*served),
		log:     log.With(slog.String("component", "rpc.server")),
	}
	if addr == "" {
		var err error
		addr, err = DefaultAddr(network)
		if err != nil {
			return nil, err
		}
	}
	var err error
	s.listener, err = newNetListener(ctx, network, addr, options)
	if err != nil {
		return nil, err
	}
	s.server = jsonrpc2.NewServer(ctx, s.listener, &s)

	s.log.LogAttrs(ctx, slog.LevelInfo, "listening", slog.String("network", network), slog.Any("addr", slogext.Stringer{Stringer: s.listener.Addr()}))
	return &s, nil
}

// Addr returns the listener address of the server.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Bind binds the server's handler to a connection.
func (s *Server) Bind(ctx context.Context, conn *jsonrpc2.Connection) jsonrpc2.ConnectionOptions {
	s.log.LogAttrs(ctx, slog.LevelDebug, "binding")
	return jsonrpc2.ConnectionOptions{
		Handler: s,
	}
}

// Handle is the server's message handler.
func (s *Server) Handle(ctx context.Context, req *jsonrpc2.Request) (any, error) {
	s.log.LogAttrs(ctx, slog.LevelDebug, "handle", slog.Any("req", slogext.Request{Request: req}))

	var (
		res any
		err error
	)
	switch req.Method {
	case Who:
		_, err = unmarshal[None](req)
		if err != nil {
			break
		}
		v, verr := version.String()
		if verr != nil {
			v = verr.Error()
		}
		res = NewMessage(serverName, v)

	case Load:
		var m Message[LoadParams]
		m, err = unmarshal[LoadParams](req)
		if err != nil {
			break
		}
		res, err = s.load(ctx, m.Body)

	case Unload, Play, Pause, Resume, Stop, Restart, Status:
		var m Message[Target]
		m, err = unmarshal[Target](req)
		if err != nil {
			break
		}
		res, err = s.control(ctx, req.Method, m.Body)

	case Seek:
		var m Message[SeekParams]
		m, err = unmarshal[SeekParams](req)
		if err != nil {
			break
		}
		res, err = s.seek(ctx, m.Body)

	case Rate:
		var m Message[RateParams]
		m, err = unmarshal[RateParams](req)
		if err != nil {
			break
		}
		res, err = s.rate(ctx, m.Body)

	case List:
		_, err = unmarshal[None](req)
		if err != nil {
			break
		}
		res = s.list()

	default:
		return nil, jsonrpc2.ErrNotHandled
	}
	if err != nil {
		s.log.LogAttrs(ctx, slog.LevelError, req.Method, slog.Any("error", err))
		return nil, err
	}
	if !req.IsCall() {
		return nil, nil
	}
	return res, nil
}

func unmarshal[T any](req *jsonrpc2.Request) (Message[T], error) {
	var m Message[T]
	err := UnmarshalMessage(req.Params, &m)
	return m, err
}

func (s *Server) load(ctx context.Context, p LoadParams) (any, error) {
	hint, err := codec.ParseFormat(p.Hint)
	if err != nil {
		return nil, NewError(ErrCodeInvalidData, err.Error(), map[string]any{
			"type": ErrCodeParameters,
			"hint": p.Hint,
		})
	}
	a, err := s.engine.Load(ctx, engine.Request{URI: p.URI, Data: p.Data, Hint: hint})
	if err != nil {
		if errors.Is(err, engine.ErrClosed) {
			return nil, NewError(ErrCodeInternal, err.Error(), map[string]any{
				"type": ErrCodeClosed,
			})
		}
		return nil, NewError(ErrCodeInvalidData, err.Error(), map[string]any{
			"type": ErrCodeSource,
			"uri":  p.URI,
		})
	}
	player, err := a.NewPlayer(s.sink, playback.Options{})
	if err != nil {
		a.Unload()
		return nil, NewError(ErrCodeInternal, err.Error(), map[string]any{
			"type": ErrCodeClosed,
		})
	}
	id := a.ID().String()
	srv := &served{asset: a, player: player}
	s.mu.Lock()
	s.served[id] = srv
	s.mu.Unlock()
	s.players.Add(player)
	s.log.LogAttrs(ctx, slog.LevelInfo, "load", slog.String("id", id), slog.String("uri", p.URI))

	if p.Wait {
		err = a.Wait(ctx)
		if err != nil && a.Status() != engine.Ready {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, AddWireErrorDetail(decodeError(err), map[string]any{
				"id":        id,
				"retryable": a.Retryable(),
			})
		}
	}
	if p.Play {
		err = player.Play()
		if err != nil {
			return nil, playerError(err, id)
		}
	}
	return NewMessage(serverName, state(srv)), nil
}

func (s *Server) control(ctx context.Context, method string, t Target) (any, error) {
	srv, err := s.lookup(t.ID)
	if err != nil {
		return nil, err
	}
	switch method {
	case Unload:
		s.mu.Lock()
		delete(s.served, t.ID)
		s.mu.Unlock()
		s.players.Remove(srv.player)
		srv.asset.Unload()
		s.log.LogAttrs(ctx, slog.LevelInfo, "unload", slog.String("id", t.ID))
	case Play:
		err = srv.player.Play()
	case Pause:
		srv.player.Pause()
	case Resume:
		srv.player.Resume()
	case Stop:
		srv.player.Stop()
	case Restart:
		err = srv.player.Restart()
	case Status:
	}
	if err != nil {
		return nil, playerError(err, t.ID)
	}
	return NewMessage(serverName, state(srv)), nil
}

func (s *Server) seek(ctx context.Context, p SeekParams) (any, error) {
	srv, err := s.lookup(p.ID)
	if err != nil {
		return nil, err
	}
	err = srv.player.Seek(p.Index)
	if err != nil {
		return nil, NewError(ErrCodeInvalidData, err.Error(), map[string]any{
			"type":  ErrCodeBounds,
			"id":    p.ID,
			"index": p.Index,
		})
	}
	return NewMessage(serverName, state(srv)), nil
}

func (s *Server) rate(ctx context.Context, p RateParams) (any, error) {
	srv, err := s.lookup(p.ID)
	if err != nil {
		return nil, err
	}
	err = srv.player.SetRate(p.Rate)
	if err != nil {
		return nil, NewError(ErrCodeInvalidData, err.Error(), map[string]any{
			"type": ErrCodeRate,
			"id":   p.ID,
		})
	}
	return NewMessage(serverName, state(srv)), nil
}

func (s *Server) list() any {
	var states []AssetState
	for _, a := range s.engine.Assets() {
		s.mu.Lock()
		srv, ok := s.served[a.ID().String()]
		s.mu.Unlock()
		if ok {
			states = append(states, state(srv))
		}
	}
	return NewMessage(serverName, states)
}

func (s *Server) lookup(id string) (*served, error) {
	s.mu.Lock()
	srv, ok := s.served[id]
	s.mu.Unlock()
	if !ok {
		return nil, NewError(ErrCodeInvalidData, fmt.Sprintf("no asset %s", id), map[string]any{
			"type": ErrCodeNoAsset,
			"id":   id,
		})
	}
	return srv, nil
}

func playerError(err error, id string) error {
	if errors.Is(err, playback.ErrClosed) {
		return NewError(ErrCodeInternal, err.Error(), map[string]any{
			"type": ErrCodeClosed,
			"id":   id,
		})
	}
	return NewError(ErrCodeInternal, err.Error(), map[string]any{"id": id})
}

func decodeError(err error) error {
	var kind string
	if k, ok := animation.KindOf(err); ok {
		kind = k.String()
	}
	return NewError(ErrCodeDecode, err.Error(), map[string]any{"kind": kind})
}

// state returns the wire state of a served asset.
func state(srv *served) AssetState {
	a := srv.asset
	ps := srv.player.State()
	s := AssetState{
		ID:     a.ID().String(),
		URI:    a.URI(),
		Status: a.Status().String(),
		Player: PlayerState{
			Status:    ps.Status.String(),
			Index:     ps.Index,
			Elapsed:   Duration{ps.Elapsed},
			Duration:  Duration{srv.player.Duration()},
			Loop:      ps.Loop,
			Rate:      ps.Rate,
			Frames:    ps.Frames,
			Complete:  ps.Complete,
			Available: ps.Available,
			Emitted:   ps.Emitted,
			Dropped:   ps.Dropped,
		},
	}
	if f := a.Format(); f != codec.Unknown {
		s.Format = f.String()
	}
	if seq := a.Sequence(); seq != nil {
		s.Width = seq.Width
		s.Height = seq.Height
		s.LoopCount = seq.LoopCount
		s.Truncated = seq.Truncated
	}
	if err := a.Err(); err != nil {
		s.Error = err.Error()
		s.Retryable = a.Retryable()
	}
	if ps.SinkErr != nil {
		s.Player.SinkError = ps.SinkErr.Error()
	}
	return s
}

// Close stops the server, unloading the assets it loaded.
func (s *Server) Close() error {
	s.log.LogAttrs(context.Background(), slog.LevelDebug, "close")
	s.server.Shutdown()
	err := s.server.Wait()

	s.mu.Lock()
	all := s.served
	s.served = make(map[string]*served)
	s.mu.Unlock()
	for _, srv := range all {
		s.players.Remove(srv.player)
		srv.asset.Unload()
	}
	return err
}
