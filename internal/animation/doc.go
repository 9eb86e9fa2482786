// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package animation provides the frame types shared by the codecs, the
// frame assembler and the playback driver.
//
// Codecs produce [RawFrame] values describing a possibly partial update of
// a logical canvas. An [Assembler] composites those updates in order,
// honouring each frame's disposal method and blend mode, and produces
// [Frame] values that each hold a complete copy of the canvas. Frames are
// collected into a [Sequence] which is immutable once complete.
//
// All pixel data is straight-alpha RGBA8 held in [image.NRGBA] values.
package animation
