// Package telephony implements the media-stream wire protocol spoken by the
// telephony vendor over a WebSocket: JSON frames carrying base64-encoded
// 8 kHz μ-law audio in both directions, playback-completion marks, and
// session lifecycle events.
//
// The package keeps audio binary internally; base64 encoding and decoding
// happens only at the frame boundary.
package telephony

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame event names as they appear on the wire.
const (
	EventStart = "start"
	EventMedia = "media"
	EventMark  = "mark"
	EventStop  = "stop"
	EventClear = "clear"
)

// ErrUnknownEvent is returned by ParseFrame for frames whose event field is
// not one of the recognised values.
var ErrUnknownEvent = errors.New("telephony: unknown frame event")

// Frame is a single inbound message on the media stream.
type Frame struct {
	Event          string      `json:"event"`
	SequenceNumber string      `json:"sequenceNumber,omitempty"`
	StreamSID      string      `json:"streamSid,omitempty"`
	Start          *StartInfo  `json:"start,omitempty"`
	Media          *MediaInfo  `json:"media,omitempty"`
	Mark           *MarkInfo   `json:"mark,omitempty"`
	Stop           *StopInfo   `json:"stop,omitempty"`
}

// StartInfo carries the session metadata delivered with the start frame.
type StartInfo struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      *MediaFormat      `json:"mediaFormat,omitempty"`
}

// MediaFormat describes the audio encoding negotiated for the stream.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaInfo carries one chunk of base64-encoded μ-law audio.
type MediaInfo struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkInfo identifies a playback-completion acknowledgement by label.
type MarkInfo struct {
	Name string `json:"name"`
}

// StopInfo carries the metadata delivered with the stop frame.
type StopInfo struct {
	AccountSID string `json:"accountSid,omitempty"`
	CallSID    string `json:"callSid,omitempty"`
}

// ParseFrame decodes a raw WebSocket message into a Frame. Frames with an
// unrecognised event are rejected with ErrUnknownEvent so the caller can
// treat them as a protocol violation.
func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("telephony: parse frame: %w", err)
	}
	switch f.Event {
	case EventStart, EventMedia, EventMark, EventStop:
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
}

// DecodePayload returns the raw μ-law bytes carried by a media frame.
func (m *MediaInfo) DecodePayload() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("telephony: decode media payload: %w", err)
	}
	return raw, nil
}

// outboundMedia is the wire shape of an outbound audio frame.
type outboundMedia struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Media     struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// outboundMark is the wire shape of an outbound mark frame.
type outboundMark struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
	Mark      struct {
		Name string `json:"name"`
	} `json:"mark"`
}

// outboundClear is the wire shape of the clear frame that flushes the
// vendor-side playback buffer.
type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// EncodeMedia builds an outbound media frame from raw μ-law audio.
func EncodeMedia(streamSID string, audio []byte) ([]byte, error) {
	var m outboundMedia
	m.Event = EventMedia
	m.StreamSID = streamSID
	m.Media.Payload = base64.StdEncoding.EncodeToString(audio)
	return json.Marshal(m)
}

// EncodeMark builds an outbound mark frame for the given label.
func EncodeMark(streamSID, label string) ([]byte, error) {
	var m outboundMark
	m.Event = EventMark
	m.StreamSID = streamSID
	m.Mark.Name = label
	return json.Marshal(m)
}

// EncodeClear builds the clear frame that flushes vendor-side playback.
func EncodeClear(streamSID string) ([]byte, error) {
	return json.Marshal(outboundClear{Event: EventClear, StreamSID: streamSID})
}
