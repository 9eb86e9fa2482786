// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kortschak/reel/internal/store"
)

// DefaultTimeout is the HTTP client timeout used when none is provided.
const DefaultTimeout = 60 * time.Second

const chunkSize = 32 << 10

// Options configures sources constructed by Open.
type Options struct {
	// MaxBytes is the maximum number of bytes
	// that may be obtained from the source. If
	// not positive, there is no limit.
	MaxBytes int64
	// Timeout is the HTTP client timeout. If zero,
	// DefaultTimeout is used. It is ignored if
	// Client is not nil.
	Timeout time.Duration
	Client  *http.Client
	// Cache holds validated HTTP responses. It may
	// be nil.
	Cache ValidatorCache
	Log   *slog.Logger
}

func (o Options) client() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	timeout := o.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// ValidatorCache is a store of HTTP responses keyed by URI that carry
// an entity tag or modification time. It is satisfied by *store.DB.
type ValidatorCache interface {
	Get(ctx context.Context, uri string) (store.Entry, error)
	Put(ctx context.Context, e store.Entry) error
	Touch(ctx context.Context, uri string, now time.Time) error
}

// HTTP is a Source fetched with a GET request.
type HTTP struct {
	URL    string
	Client *http.Client
	// MaxBytes is the maximum acceptable response
	// size. Responses with a Content-Length larger
	// than this are rejected without reading the
	// body. The limit on the number of bytes read
	// is applied by Limit.
	MaxBytes int64
	Cache    ValidatorCache
	Log      *slog.Logger
}

// Fetch issues the request. A response status other than 200 OK, or
// 304 Not Modified when a validated cache entry is held, results in a
// *TransportError with the status code.
func (h *HTTP) Fetch(ctx context.Context) (Stream, error) {
	log := h.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, &TransportError{URI: h.URL, Err: err}
	}
	var (
		cached    store.Entry
		haveCache bool
	)
	if h.Cache != nil {
		cached, err = h.Cache.Get(ctx, h.URL)
		switch {
		case err == nil:
			haveCache = true
			if cached.ETag != "" {
				req.Header.Set("If-None-Match", cached.ETag)
			}
			if cached.LastModified != "" {
				req.Header.Set("If-Modified-Since", cached.LastModified)
			}
		case errors.Is(err, store.ErrNotFound):
		default:
			log.LogAttrs(ctx, slog.LevelWarn, "http cache lookup", slog.String("uri", h.URL), slog.Any("error", err))
		}
	}

	client := h.Client
	if client == nil {
		client = Options{}.client()
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, &TransportError{URI: h.URL, Err: err}
	}
	log.LogAttrs(ctx, slog.LevelDebug, "http fetch", slog.String("uri", h.URL), slog.Int("status", resp.StatusCode), slog.Int64("content_length", resp.ContentLength))

	switch {
	case resp.StatusCode == http.StatusNotModified && haveCache:
		resp.Body.Close()
		err = h.Cache.Touch(ctx, h.URL, time.Now())
		if err != nil {
			log.LogAttrs(ctx, slog.LevelWarn, "http cache touch", slog.String("uri", h.URL), slog.Any("error", err))
		}
		if h.MaxBytes > 0 && int64(len(cached.Data)) > h.MaxBytes {
			return nil, &SizeLimitError{Limit: h.MaxBytes, Size: int64(len(cached.Data))}
		}
		return Bytes{Data: cached.Data, ChunkSize: chunkSize}.stream(), nil
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, &TransportError{URI: h.URL, StatusCode: resp.StatusCode}
	}
	if h.MaxBytes > 0 && resp.ContentLength > h.MaxBytes {
		resp.Body.Close()
		return nil, &SizeLimitError{Limit: h.MaxBytes, Size: resp.ContentLength}
	}

	s := &httpStream{
		ctx:  ctx,
		uri:  h.URL,
		body: resp.Body,
		buf:  make([]byte, chunkSize),
		log:  log,
	}
	if h.Cache != nil {
		etag := resp.Header.Get("ETag")
		modified := resp.Header.Get("Last-Modified")
		if etag != "" || modified != "" {
			s.cache = h.Cache
			s.entry = &store.Entry{URI: h.URL, ETag: etag, LastModified: modified}
		}
	}
	return s, nil
}

// httpStream is a response body stream. When entry is not nil, the
// body is accumulated and stored in the cache if it is read to
// completion.
type httpStream struct {
	ctx  context.Context
	uri  string
	body io.ReadCloser
	buf  []byte
	err  error

	cache ValidatorCache
	entry *store.Entry

	log *slog.Logger
}

func (s *httpStream) Next() ([]byte, error) {
	for s.err == nil {
		n, err := s.body.Read(s.buf)
		if n > 0 && s.entry != nil {
			s.entry.Data = append(s.entry.Data, s.buf[:n]...)
		}
		switch {
		case err == io.EOF:
			s.err = io.EOF
			s.store()
		case err != nil:
			s.err = &TransportError{URI: s.uri, Err: err}
			s.entry = nil
		}
		if n > 0 {
			return s.buf[:n], nil
		}
	}
	return nil, s.err
}

func (s *httpStream) store() {
	if s.entry == nil {
		return
	}
	e := *s.entry
	s.entry = nil
	e.Fetched = time.Now()
	err := s.cache.Put(s.ctx, e)
	if err != nil {
		s.log.LogAttrs(s.ctx, slog.LevelWarn, "http cache store", slog.String("uri", s.uri), slog.Any("error", err))
	}
}

func (s *httpStream) Close() error {
	s.entry = nil
	return s.body.Close()
}
