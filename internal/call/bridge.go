package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hearthline-ai/hearthline/pkg/telephony"
)

// Conn is the message transport under the bridge. The server adapts the
// WebSocket connection to it; tests use an in-memory fake.
type Conn interface {
	// ReadMessage returns the next complete text message.
	ReadMessage(ctx context.Context) ([]byte, error)

	// WriteMessage sends one complete text message.
	WriteMessage(ctx context.Context, data []byte) error
}

// Event kinds delivered by the bridge.
const (
	EventStarted = "started"
	EventAudio   = "audio"
	EventMarkAck = "mark"
	EventStopped = "stopped"
)

// Event is one decoded occurrence on the media stream.
type Event struct {
	Kind  string
	Start *telephony.StartInfo
	Audio []byte
	Mark  string
}

// Bridge translates between the vendor's frame protocol and the pipeline:
// inbound frames become Events, outbound speech becomes media+mark frame
// pairs tracked by the outstanding-marks set.
type Bridge struct {
	conn      Conn
	marks     *telephony.MarkTracker
	log       *slog.Logger
	recording bool

	events chan Event

	mu        sync.Mutex
	streamSID string

	writeMu sync.Mutex
}

// BridgeOption is a functional option for NewBridge.
type BridgeOption func(*Bridge)

// WithRecording enables pass-through of outbound-track media frames.
func WithRecording(enabled bool) BridgeOption {
	return func(b *Bridge) { b.recording = enabled }
}

// WithBridgeLogger sets the logger. Defaults to slog.Default.
func WithBridgeLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// NewBridge creates a Bridge over the given transport.
func NewBridge(conn Conn, marks *telephony.MarkTracker, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		conn:   conn,
		marks:  marks,
		log:    slog.Default(),
		events: make(chan Event, 64),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Events returns the inbound event stream. Closed when Run returns.
func (b *Bridge) Events() <-chan Event { return b.events }

// Run reads frames until the stream stops, the peer disconnects, or ctx is
// cancelled. Unknown frames are logged and skipped, one malformed message
// must not kill a live call.
func (b *Bridge) Run(ctx context.Context) error {
	defer close(b.events)

	for {
		data, err := b.conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("call: read media stream: %w", err)
		}

		frame, err := telephony.ParseFrame(data)
		if err != nil {
			if errors.Is(err, telephony.ErrUnknownEvent) {
				b.log.Warn("unknown media-stream frame", "error", err)
				continue
			}
			b.log.Warn("malformed media-stream frame", "error", err)
			continue
		}

		switch frame.Event {
		case telephony.EventStart:
			if frame.Start == nil {
				b.log.Warn("start frame without start payload")
				continue
			}
			b.mu.Lock()
			b.streamSID = frame.Start.StreamSID
			b.mu.Unlock()
			if !b.deliver(ctx, Event{Kind: EventStarted, Start: frame.Start}) {
				return nil
			}

		case telephony.EventMedia:
			if frame.Media == nil {
				continue
			}
			if frame.Media.Track != "" && frame.Media.Track != "inbound" {
				if b.recording {
					b.log.Debug("outbound media frame recorded", "track", frame.Media.Track)
				}
				continue
			}
			audio, err := frame.Media.DecodePayload()
			if err != nil {
				b.log.Warn("dropping undecodable media frame", "error", err)
				continue
			}
			if !b.deliver(ctx, Event{Kind: EventAudio, Audio: audio}) {
				return nil
			}

		case telephony.EventMark:
			if frame.Mark == nil {
				continue
			}
			b.marks.Remove(frame.Mark.Name)
			if !b.deliver(ctx, Event{Kind: EventMarkAck, Mark: frame.Mark.Name}) {
				return nil
			}

		case telephony.EventStop:
			b.deliver(ctx, Event{Kind: EventStopped})
			return nil
		}
	}
}

func (b *Bridge) deliver(ctx context.Context, ev Event) bool {
	select {
	case b.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// SendSpeech writes one synthesized segment as a media frame followed by a
// mark frame, and registers the mark label as outstanding. Returns the label.
func (b *Bridge) SendSpeech(ctx context.Context, audio []byte) (string, error) {
	sid := b.StreamSID()
	if sid == "" {
		return "", errors.New("call: send speech before stream start")
	}

	media, err := telephony.EncodeMedia(sid, audio)
	if err != nil {
		return "", fmt.Errorf("call: encode media: %w", err)
	}
	label := uuid.NewString()
	mark, err := telephony.EncodeMark(sid, label)
	if err != nil {
		return "", fmt.Errorf("call: encode mark: %w", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(ctx, media); err != nil {
		return "", fmt.Errorf("call: write media frame: %w", err)
	}
	// Registered before the mark frame leaves so the ack can never race an
	// absent entry.
	b.marks.Add(label)
	if err := b.conn.WriteMessage(ctx, mark); err != nil {
		b.marks.Remove(label)
		return "", fmt.Errorf("call: write mark frame: %w", err)
	}
	return label, nil
}

// SendClear flushes the vendor-side playback buffer.
func (b *Bridge) SendClear(ctx context.Context) error {
	sid := b.StreamSID()
	if sid == "" {
		return errors.New("call: clear before stream start")
	}
	frame, err := telephony.EncodeClear(sid)
	if err != nil {
		return fmt.Errorf("call: encode clear: %w", err)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.conn.WriteMessage(ctx, frame); err != nil {
		return fmt.Errorf("call: write clear frame: %w", err)
	}
	return nil
}

// StreamSID returns the stream id from the start frame, or "" before start.
func (b *Bridge) StreamSID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamSID
}
