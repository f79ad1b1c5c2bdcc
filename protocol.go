// Copyright 2025 The Crosis Go SDK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crosis

// Wire protocol for the channel-0 control plane.
//
// Every frame is a single JSON object. Frames addressed to channel 0
// carry exactly one control verb; frames addressed to any other
// channel carry an opaque payload that is routed to that channel's
// message handler. Unknown control verbs are ignored for forward
// compatibility.

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
)

// A frame is the unit of transmission on the wire.
type frame struct {
	// Channel is the wire channel the frame is addressed to. Channel 0
	// is the control channel.
	Channel int64 `json:"channel"`

	// Ref correlates a control request with its response. Responses
	// echo the Ref of the request that caused them.
	Ref string `json:"ref,omitempty"`

	OpenChan     *openChan     `json:"openChan,omitempty"`
	OpenChanRes  *openChanRes  `json:"openChanRes,omitempty"`
	CloseChan    *closeChan    `json:"closeChan,omitempty"`
	CloseChanRes *closeChanRes `json:"closeChanRes,omitempty"`
	Ping         *ping         `json:"ping,omitempty"`
	Pong         *ping         `json:"pong,omitempty"`

	// Payload is the opaque channel payload for frames with
	// Channel != 0.
	Payload []byte `json:"payload,omitempty"`
}

// openChan asks the server to open a channel to the named service.
type openChan struct {
	Service string `json:"service"`
	Name    string `json:"name,omitempty"`
}

// openChanRes is the server's answer to an openChan request. On
// success, ID is the wire channel id assigned by the server. On
// failure, Error is non-empty and ID is zero.
type openChanRes struct {
	ID    int64  `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// closeChan asks the server to close a previously opened channel.
type closeChan struct {
	ID int64 `json:"id"`
}

// closeChanRes acknowledges a closeChan request.
type closeChanRes struct {
	ID int64 `json:"id"`
}

// ping carries a keepalive sequence number, in either direction.
type ping struct {
	Seq int64 `json:"seq"`
}

// newRef allocates a correlation ref for a control request.
func newRef() string {
	return uuid.NewString()
}

func encodeFrame(f *frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return data, nil
}

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Channel < 0 {
		return nil, fmt.Errorf("invalid channel id %d", f.Channel)
	}
	return &f, nil
}
