// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package slogext provides slog helpers.
package slogext

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/kortschak/goroutine"
	"github.com/kortschak/jsonrpc2"
)

// GoID is a slog.Handler that adds the calling goroutine's goid.
type GoID struct {
	slog.Handler
}

func (h GoID) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.Int64("goid", goroutine.ID()))
	return h.Handler.Handle(ctx, r)
}

func (h GoID) WithAttrs(attrs []slog.Attr) slog.Handler {
	return GoID{h.Handler.WithAttrs(attrs)}
}

func (h GoID) WithGroup(name string) slog.Handler {
	return GoID{h.Handler.WithGroup(name)}
}

// Stringer implements slog.LogValuer for [fmt.Stringer]. A nil Stringer
// is logged as "<nil>".
type Stringer struct {
	fmt.Stringer
}

func (v Stringer) LogValue() slog.Value {
	if v.Stringer == nil {
		return slog.StringValue("<nil>")
	}
	return slog.StringValue(v.String())
}

// Request implements slog.LogValuer for [jsonrpc2.Request].
type Request struct {
	*jsonrpc2.Request
}

func (v Request) LogValue() slog.Value {
	return slog.AnyValue(request{ID: v.Request.ID.Raw(), Method: v.Method, Params: v.Params})
}

type request struct {
	ID     any             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Bytes implements slog.LogValuer for a count of bytes. It is logged as a
// group holding the exact count and a human readable size.
type Bytes int64

func (v Bytes) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("n", int64(v)),
		slog.String("size", humanize.IBytes(uint64(max(v, 0)))),
	)
}

// Handler is a slog.Handler that writes Records to an io.Writer through
// a standard library handler. It differs from the standard library handlers
// by allowing alteration of the AddSource behaviour after construction.
type Handler struct {
	addSource     *atomic.Bool
	withSource    slog.Handler
	withoutSource slog.Handler
}

// NewJSONHandler returns a Handler that writes line-delimited JSON
// objects to w. If opts is nil, the default options are used.
func NewJSONHandler(w io.Writer, opts *HandlerOptions) *Handler {
	return newHandler(opts, func(o *slog.HandlerOptions) slog.Handler {
		return slog.NewJSONHandler(w, o)
	})
}

// NewTextHandler returns a Handler that writes key=value records to w.
// If opts is nil, the default options are used.
func NewTextHandler(w io.Writer, opts *HandlerOptions) *Handler {
	return newHandler(opts, func(o *slog.HandlerOptions) slog.Handler {
		return slog.NewTextHandler(w, o)
	})
}

func newHandler(opts *HandlerOptions, fn func(*slog.HandlerOptions) slog.Handler) *Handler {
	if opts == nil {
		opts = &HandlerOptions{}
	}
	addSource := opts.AddSource
	if addSource == nil {
		addSource = &atomic.Bool{}
	}
	return &Handler{
		addSource:     addSource,
		withSource:    fn(&slog.HandlerOptions{AddSource: true, Level: opts.Level}),
		withoutSource: fn(&slog.HandlerOptions{Level: opts.Level}),
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.withSource.Enabled(ctx, level)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		addSource:     h.addSource,
		withSource:    h.withSource.WithAttrs(attrs),
		withoutSource: h.withoutSource.WithAttrs(attrs),
	}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		addSource:     h.addSource,
		withSource:    h.withSource.WithGroup(name),
		withoutSource: h.withoutSource.WithGroup(name),
	}
}

// Handle writes r, with its source position if AddSource is currently set.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.addSource.Load() {
		return h.withSource.Handle(ctx, r)
	}
	return h.withoutSource.Handle(ctx, r)
}

// HandlerOptions are options for a Handler.
type HandlerOptions struct {
	// AddSource is checked for each record to decide whether
	// to include the source code position. A nil AddSource
	// is false.
	AddSource *atomic.Bool

	// Level reports the minimum record level that will be logged.
	Level slog.Leveler
}

// NewAtomicBool returns an atomic.Bool holding t.
func NewAtomicBool(t bool) *atomic.Bool {
	var x atomic.Bool
	x.Store(t)
	return &x
}
