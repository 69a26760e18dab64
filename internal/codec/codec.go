// Package codec encodes commands to device wire formats and decodes device
// bytes back into typed responses and notifications. Codecs are pure: they
// hold no connection state.
package codec

import "errors"

// ErrNeedMoreData is returned by the decoders when buf holds only part of a
// frame. Nothing is consumed.
var ErrNeedMoreData = errors.New("codec: need more data")

// maxLineLen bounds a single JSON-RPC line; longer input is treated as garbage.
const maxLineLen = 64 * 1024
