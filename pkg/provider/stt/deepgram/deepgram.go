// Package deepgram provides a Deepgram-backed STT provider using the
// streaming WebSocket API. It implements the stt.Provider interface with
// automatic reconnection: frames arriving while the socket is down are
// buffered (bounded, oldest dropped) and flushed once the stream reopens.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/hearthline-ai/hearthline/internal/resilience"
	"github.com/hearthline-ai/hearthline/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 8000
	defaultEncoding   = "mulaw"

	// utteranceEndMS asks Deepgram to emit UtteranceEnd after this much
	// trailing silence, which backstops a missing speech_final.
	utteranceEndMS = 1000

	// endpointingMS is the silence threshold for Deepgram's own endpoint
	// detection, which drives speech_final.
	endpointingMS = 200

	// frameBufferCap bounds the frames held while connecting or
	// reconnecting. Overflow drops the oldest frame.
	frameBufferCap = 50
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model (e.g., "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 recognition language.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithEndpoint overrides the streaming endpoint URL. Used by tests against a
// local WebSocket server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) { p.endpoint = endpoint }
}

// WithReconnectPolicy sets the reconnection budget: maxRetries consecutive
// failed dials end the session; delays grow exponentially from initial to
// maxDelay.
func WithReconnectPolicy(maxRetries int, initial, maxDelay time.Duration) Option {
	return func(p *Provider) {
		p.maxRetries = maxRetries
		p.initialDelay = initial
		p.maxDelay = maxDelay
	}
}

// WithLogger sets the session logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) { p.log = log }
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	language string
	log      *slog.Logger

	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New creates a Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     defaultEndpoint,
		model:        defaultModel,
		language:     defaultLanguage,
		log:          slog.Default(),
		maxRetries:   10,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start opens a streaming session. The dial happens on a background
// goroutine; the returned session buffers audio until the stream is open.
func (p *Provider) Start(ctx context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		p:        p,
		url:      wsURL,
		log:      p.log,
		interims: make(chan string, 64),
		finals:   make(chan string, 16),
		state:    stt.StateConnecting,
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// buildURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = defaultEncoding
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	q.Set("endpointing", strconv.Itoa(endpointingMS))
	q.Set("utterance_end_ms", strconv.Itoa(utteranceEndMS))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Session
// ─────────────────────────────────────────────────────────────────────────────

// deepgramResponse is the JSON structure of Deepgram streaming messages.
// Results carries transcripts; UtteranceEnd marks trailing silence.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.Session.
type session struct {
	p   *Provider
	url string
	log *slog.Logger

	interims chan string
	finals   chan string

	mu          sync.Mutex
	conn        *websocket.Conn
	state       stt.State
	frameBuf    [][]byte
	finalParts  []string
	intentional bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	closeOnce sync.Once
}

var _ stt.Session = (*session)(nil)

// run owns the connect/read/reconnect cycle for the session's lifetime.
func (s *session) run() {
	defer close(s.done)
	defer close(s.finals)
	defer close(s.interims)

	attempt := 0
	delay := s.p.initialDelay

	for {
		conn, err := s.dial()
		if err != nil {
			if s.finished() {
				return
			}
			attempt++
			if attempt > s.p.maxRetries {
				s.fail(fmt.Errorf("deepgram: reconnect attempts exhausted: %w", err))
				return
			}
			s.log.Warn("deepgram dial failed, retrying",
				"attempt", attempt, "delay", delay, "error", err)
			s.setState(stt.StateReconnecting)
			if resilience.Sleep(s.ctx, delay) != nil {
				s.finish()
				return
			}
			delay = min(delay*2, s.p.maxDelay)
			continue
		}

		attempt = 0
		delay = s.p.initialDelay
		s.open(conn)
		s.log.Info("deepgram stream open")

		readErr := s.readLoop(conn)
		conn.Close(websocket.StatusNormalClosure, "")
		if s.finished() {
			return
		}
		s.log.Warn("deepgram stream dropped", "error", readErr)
		s.setState(stt.StateDegraded)
	}
}

// dial opens the WebSocket with the API key header.
func (s *session) dial() (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.p.apiKey)

	dialCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	return conn, err
}

// open installs the new connection, enters the Open state, and flushes
// buffered frames in arrival order.
func (s *session) open(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.state = stt.StateOpen

	for _, frame := range s.frameBuf {
		if err := conn.Write(s.ctx, websocket.MessageBinary, frame); err != nil {
			break
		}
	}
	s.frameBuf = nil
}

// readLoop consumes messages until the connection drops or the session ends.
func (s *session) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.Read(s.ctx)
		if err != nil {
			return err
		}
		s.handleMessage(msg)
	}
}

// handleMessage resolves interim-vs-final semantics. A Results message with
// is_final accumulates; speech_final or a trailing UtteranceEnd emits the
// accumulated turn.
func (s *session) handleMessage(msg []byte) {
	var resp deepgramResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}

	switch resp.Type {
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return
		}
		text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)

		if !resp.IsFinal {
			if text != "" {
				s.emit(s.interims, text)
			}
			return
		}

		s.mu.Lock()
		if text != "" {
			s.finalParts = append(s.finalParts, text)
		}
		s.mu.Unlock()

		if resp.SpeechFinal {
			s.flushFinal()
		}

	case "UtteranceEnd":
		// Arrived before speech_final: the accumulated result stands.
		s.flushFinal()
	}
}

// flushFinal emits the accumulated final parts as one transcription.
func (s *session) flushFinal() {
	s.mu.Lock()
	parts := s.finalParts
	s.finalParts = nil
	s.mu.Unlock()

	if len(parts) == 0 {
		return
	}
	s.emit(s.finals, strings.Join(parts, " "))
}

// emit sends without blocking session teardown.
func (s *session) emit(ch chan string, text string) {
	select {
	case ch <- text:
	case <-s.ctx.Done():
	}
}

// SendAudio implements [stt.Session].
func (s *session) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stt.StateClosed:
		return errors.New("deepgram: session is closed")
	case stt.StateOpen:
		if err := s.conn.Write(s.ctx, websocket.MessageBinary, frame); err != nil {
			// The read loop notices the drop; buffer this frame for the
			// reconnected stream.
			s.buffer(frame)
			return nil
		}
		return nil
	default:
		s.buffer(frame)
		return nil
	}
}

// buffer appends with drop-oldest overflow. Caller holds s.mu.
func (s *session) buffer(frame []byte) {
	if len(s.frameBuf) >= frameBufferCap {
		s.frameBuf = s.frameBuf[1:]
	}
	s.frameBuf = append(s.frameBuf, frame)
}

// Interims implements [stt.Session].
func (s *session) Interims() <-chan string { return s.interims }

// Finals implements [stt.Session].
func (s *session) Finals() <-chan string { return s.finals }

// ClearBuffers implements [stt.Session].
func (s *session) ClearBuffers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameBuf = nil
	s.finalParts = nil
}

// State implements [stt.Session].
func (s *session) State() stt.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) setState(st stt.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Done implements [stt.Session].
func (s *session) Done() <-chan struct{} { return s.done }

// Err implements [stt.Session].
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// finished reports whether the session should stop reconnecting, and moves
// it to the terminal state when so.
func (s *session) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intentional || s.ctx.Err() != nil {
		s.state = stt.StateClosed
		return true
	}
	return false
}

// finish marks a clean termination (context cancelled).
func (s *session) finish() {
	s.mu.Lock()
	s.state = stt.StateClosed
	s.mu.Unlock()
}

// fail marks an unrecoverable termination.
func (s *session) fail(err error) {
	s.mu.Lock()
	s.state = stt.StateClosed
	s.err = err
	s.mu.Unlock()
	s.log.Error("deepgram session failed", "error", err)
}

// Close implements [stt.Session]. It suppresses reconnection, asks Deepgram
// to flush, and tears the connection down.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.intentional = true
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Write(s.ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		}
		s.cancel()
		<-s.done
	})
	return nil
}
