// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rpc provides the JSON RPC 2 control protocol for a reel daemon.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kortschak/jsonrpc2"
)

// Control methods. All methods are calls taking a Message holding the
// parameter type noted and returning a Message holding the result type.
const (
	Who     = "who"     // call None → string (version)
	Load    = "load"    // call LoadParams → AssetState
	Unload  = "unload"  // call Target → AssetState
	Play    = "play"    // call Target → AssetState
	Pause   = "pause"   // call Target → AssetState
	Resume  = "resume"  // call Target → AssetState
	Stop    = "stop"    // call Target → AssetState
	Restart = "restart" // call Target → AssetState
	Seek    = "seek"    // call SeekParams → AssetState
	Rate    = "rate"    // call RateParams → AssetState
	Status  = "status"  // call Target → AssetState
	List    = "list"    // call None → []AssetState
)

// Methods is the set of control methods.
var Methods = []string{Who, Load, Unload, Play, Pause, Resume, Stop, Restart, Seek, Rate, Status, List}

// JSON RPC error codes.
const (
	ErrCodeInvalidMessage = 1 // an RPC message is invalid
	// Invalid message sub-codes:
	ErrCodeMessageSyntax       = 11 // syntax
	ErrCodeMessageUnknownField = 12 // unknown field
	ErrCodeShortMessage        = 13 // truncation
	ErrCodeMessageType         = 14 // type mismatch
	ErrCodeMethod              = 15 // method mismatch
	ErrCodeParameters          = 16 // invalid parameters

	ErrCodeDecode = 2 // a load failed to decode

	ErrCodeInvalidData = 3 // data sent in a call was invalid
	// Invalid data sub-codes:
	ErrCodeNoAsset = 31 // missing asset
	ErrCodeBounds  = 32 // out of bounds
	ErrCodeRate    = 33 // invalid play rate
	ErrCodeSource  = 34 // invalid source

	ErrCodeInternal = 4  // an internal error happened
	ErrCodeClosed   = 41 // engine or player closed
)

// Message is the control message container.
type Message[T any] struct {
	Time time.Time `json:"time"`
	// From is the name of the sender.
	From string `json:"from,omitempty"`
	Body T      `json:"body,omitempty"`
}

// NewMessage is a convenience Message constructor. It populates the Time
// field.
func NewMessage[T any](from string, body T) *Message[T] {
	return &Message[T]{
		Time: time.Now(),
		From: from,
		Body: body,
	}
}

// LoadParams are the parameters of a load call. Exactly one of URI and
// Data must be set.
type LoadParams struct {
	URI  string `json:"uri,omitempty"`
	Data []byte `json:"data,omitempty"`
	// Hint is the format to use for data without
	// a recognised signature.
	Hint string `json:"hint,omitempty"`
	// Play starts playback of the loaded asset.
	Play bool `json:"play,omitempty"`
	// Wait delays the response until decoding
	// has finished.
	Wait bool `json:"wait,omitempty"`
}

// Target identifies an asset.
type Target struct {
	ID string `json:"id"`
}

// SeekParams are the parameters of a seek call.
type SeekParams struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
}

// RateParams are the parameters of a rate call.
type RateParams struct {
	ID   string  `json:"id"`
	Rate float64 `json:"rate"`
}

// AssetState is the state of a served asset and its player.
type AssetState struct {
	ID        string      `json:"id"`
	URI       string      `json:"uri,omitempty"`
	Status    string      `json:"status"`
	Format    string      `json:"format,omitempty"`
	Width     int         `json:"width,omitempty"`
	Height    int         `json:"height,omitempty"`
	LoopCount int         `json:"loop_count"`
	Truncated bool        `json:"truncated,omitempty"`
	Error     string      `json:"error,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
	Player    PlayerState `json:"player"`
}

// PlayerState is the state of an asset's player.
type PlayerState struct {
	Status    string   `json:"status"`
	Index     int      `json:"index"`
	Elapsed   Duration `json:"elapsed"`
	Duration  Duration `json:"duration"`
	Loop      int      `json:"loop"`
	Rate      float64  `json:"rate"`
	Frames    int      `json:"frames"`
	Complete  bool     `json:"complete"`
	Available bool     `json:"available"`
	Emitted   int      `json:"emitted"`
	Dropped   int      `json:"dropped"`
	SinkError string   `json:"sink_error,omitempty"`
}

// UnmarshalMessage is a strict equivalent of [json.Unmarshal].
func UnmarshalMessage[T any](data []byte, v *Message[T]) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err != nil {
		return &jsonrpc2.WireError{
			Code:    ErrCodeInvalidMessage,
			Message: err.Error(),
			Data:    encodeErrData(err, data),
		}
	}
	if dec.More() {
		off := dec.InputOffset()
		return &jsonrpc2.WireError{
			Code:    ErrCodeInvalidMessage,
			Message: fmt.Sprintf("invalid character "+quoteChar(data[off])+" after top-level value at offset %d", off),
			Data:    encodeErrData(&json.SyntaxError{Offset: off}, data),
		}
	}
	return nil
}

// encodeErrData return the JSON encoding for an error's extra data.
func encodeErrData(err error, data []byte) json.RawMessage {
	type extra struct {
		Type    int    `json:"type,omitempty"`
		Offset  int64  `json:"offset,omitempty"`
		Message []byte `json:"msg"`
	}
	e := extra{
		Message: data,
	}
	switch err := err.(type) {
	case nil:
		return nil
	case *json.SyntaxError:
		e.Type = ErrCodeMessageSyntax
		e.Offset = err.Offset
	case *json.UnmarshalTypeError:
		e.Type = ErrCodeMessageType
		e.Offset = err.Offset
	default:
		switch {
		case err == io.EOF, err == io.ErrUnexpectedEOF:
			e.Type = ErrCodeShortMessage
		case strings.HasPrefix(err.Error(), "json: unknown field"):
			e.Type = ErrCodeMessageUnknownField
		}
	}
	var buf bytes.Buffer
	dec := json.NewEncoder(&buf)
	dec.SetEscapeHTML(false)
	dec.Encode(e)
	return bytes.TrimSpace(buf.Bytes())
}

// NewError returns an error that will be encoded correctly in the RPC protocol.
func NewError(code int64, message string, data any) error {
	e := &jsonrpc2.WireError{
		Code:    code,
		Message: message,
	}
	e.Data = wireErrorData(data)
	return e
}

// AddWireErrorDetail updates the Data field of a [jsonrpc2.WireError] with the
// fields in details, overwriting fields if they already exist. If err is not a
// [jsonrpc2.WireError] or the Data field does not encode a map, the error  is
// returned unmodified.
func AddWireErrorDetail(err error, details map[string]any) error {
	if err, ok := err.(*jsonrpc2.WireError); ok {
		var data map[string]any
		if json.Unmarshal(err.Data, &data) != nil {
			return err
		}
		for k, v := range details {
			data[k] = v
		}
		err.Data = wireErrorData(data)
		return err
	}
	return err
}

func wireErrorData(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	var buf bytes.Buffer
	dec := json.NewEncoder(&buf)
	dec.SetEscapeHTML(false)
	err := dec.Encode(data)
	if err != nil {
		b, _ := json.Marshal("!" + err.Error())
		return b
	}
	return bytes.TrimSpace(buf.Bytes())
}

// quoteChar formats c as a quoted character literal.
func quoteChar(c byte) string {
	// special cases - different from quoted strings
	if c == '\'' {
		return `'\''`
	}
	if c == '"' {
		return `'"'`
	}

	// use quoted string with different quotation marks
	s := strconv.Quote(string(c))
	return "'" + s[1:len(s)-1] + "'"
}

// None is an empty parameter or response slot.
type None struct{}

// Duration is a helper for duration fields.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var text string
	err := json.Unmarshal(data, &text)
	if err != nil {
		return err
	}
	d.Duration, err = time.ParseDuration(text)
	return err
}
