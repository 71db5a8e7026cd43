// Package server exposes the Hearthline HTTP surface: the telephony voice
// webhook that answers with TwiML, the media-stream WebSocket endpoint the
// vendor connects back to, Prometheus metrics, and health probes.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hearthline-ai/hearthline/internal/call"
	"github.com/hearthline-ai/hearthline/internal/health"
	"github.com/hearthline-ai/hearthline/internal/observe"
)

// Session is one live call pipeline. The server owns the WebSocket; the
// session owns everything behind it.
type Session interface {
	Run(ctx context.Context) error
}

// SessionFunc builds a fresh Session around an accepted media-stream
// transport. Called once per call.
type SessionFunc func(conn call.Conn) Session

// Option is a functional option for Server.
type Option func(*Server)

// WithHost sets the external hostname used in TwiML stream URLs. When empty
// the request's Host header is used.
func WithHost(host string) Option {
	return func(s *Server) { s.host = host }
}

// WithRecording marks streams for dual-track recording in the TwiML.
func WithRecording(enabled bool) Option {
	return func(s *Server) { s.recording = enabled }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithHealth registers the given health handler's probe routes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// Server is the HTTP surface.
type Server struct {
	newSession SessionFunc
	metrics    *observe.Metrics
	health     *health.Handler
	log        *slog.Logger
	host       string
	recording  bool
}

// New creates a Server that spawns sessions via newSession.
func New(newSession SessionFunc, metrics *observe.Metrics, opts ...Option) *Server {
	s := &Server{
		newSession: newSession,
		metrics:    metrics,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed HTTP handler, instrumented with the request
// metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /voice/inbound", s.handleInboundCall)
	mux.HandleFunc("GET /media-stream", s.handleMediaStream)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(mux)
	}
	return observe.Middleware(s.log, s.metrics)(mux)
}

// handleInboundCall answers the vendor's voice webhook with TwiML that
// connects the call to the media-stream WebSocket.
func (s *Server) handleInboundCall(w http.ResponseWriter, r *http.Request) {
	callSID := r.FormValue("CallSid")
	from := r.FormValue("From")
	s.log.Info("incoming call", "call_sid", callSID, "from", from)

	host := s.host
	if host == "" {
		host = r.Host
	}
	streamURL := fmt.Sprintf("wss://%s/media-stream", host)

	track := ""
	if s.recording {
		track = ` track="both_tracks"`
	}

	twiml := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="%s"%s>
            <Parameter name="callSid" value="%s"/>
        </Stream>
    </Connect>
</Response>`, streamURL, track, callSID)

	w.Header().Set("Content-Type", "application/xml")
	if _, err := w.Write([]byte(twiml)); err != nil {
		s.log.Error("writing TwiML response failed", "error", err)
	}
}

// handleMediaStream upgrades to WebSocket and runs one call session until
// the stream ends.
func (s *Server) handleMediaStream(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The telephony vendor connects server-to-server without an Origin.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("media-stream upgrade failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "session ended")

	ctx := observe.WithCorrelationID(r.Context(), "")
	s.log.Info("media stream connected", "remote", r.RemoteAddr)

	session := s.newSession(&wsConn{ws: ws})
	if err := session.Run(ctx); err != nil {
		s.log.Error("call session failed", "error", err)
		return
	}
	ws.Close(websocket.StatusNormalClosure, "")
}

// wsConn adapts a coder/websocket connection to the bridge transport.
type wsConn struct {
	ws *websocket.Conn
}

var _ call.Conn = (*wsConn)(nil)

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}
