package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/hearthline-ai/hearthline/internal/call"
	"github.com/hearthline-ai/hearthline/internal/observe"
)

// echoSession reads one message from the transport and records it.
type echoSession struct {
	mu   sync.Mutex
	conn call.Conn
	got  []byte
	ran  bool
	done chan struct{}
}

func (s *echoSession) Run(ctx context.Context) error {
	defer close(s.done)
	s.mu.Lock()
	s.ran = true
	conn := s.conn
	s.mu.Unlock()

	data, err := conn.ReadMessage(ctx)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	s.got = data
	s.mu.Unlock()
	return conn.WriteMessage(ctx, []byte(`{"event":"mark","mark":{"name":"ok"}}`))
}

var _ Session = (*echoSession)(nil)

func newTestServer(t *testing.T, opts ...Option) (*Server, *echoSession) {
	t.Helper()
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	session := &echoSession{done: make(chan struct{})}
	factory := func(conn call.Conn) Session {
		session.mu.Lock()
		session.conn = conn
		session.mu.Unlock()
		return session
	}
	return New(factory, metrics, opts...), session
}

func TestInboundCall_ReturnsTwiML(t *testing.T) {
	srv, _ := newTestServer(t, WithHost("voice.example.com"))

	form := url.Values{"CallSid": {"CA123"}, "From": {"+15551234567"}}
	req := httptest.NewRequest(http.MethodPost, "/voice/inbound", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()

	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`<Stream url="wss://voice.example.com/media-stream"`,
		"<Connect>",
		`value="CA123"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("TwiML missing %q:\n%s", want, body)
		}
	}
	if strings.Contains(body, "both_tracks") {
		t.Error("recording track set without WithRecording")
	}
}

func TestInboundCall_RecordingTrack(t *testing.T) {
	srv, _ := newTestServer(t, WithRecording(true))

	req := httptest.NewRequest(http.MethodPost, "/voice/inbound", strings.NewReader("CallSid=CA1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), `track="both_tracks"`) {
		t.Errorf("TwiML missing recording track:\n%s", rec.Body.String())
	}
}

func TestInboundCall_FallsBackToRequestHost(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "http://host.from.request/voice/inbound", strings.NewReader("CallSid=CA1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if !strings.Contains(rec.Body.String(), "wss://host.from.request/media-stream") {
		t.Errorf("TwiML did not use request host:\n%s", rec.Body.String())
	}
}

func TestMediaStream_RunsSession(t *testing.T) {
	srv, holder := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/media-stream"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := `{"event":"start","start":{"streamSid":"MZ1","callSid":"CA1"}}`
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(reply), `"event":"mark"`) {
		t.Errorf("reply = %s", reply)
	}

	select {
	case <-holder.done:
	case <-ctx.Done():
		t.Fatal("session never finished")
	}

	holder.mu.Lock()
	defer holder.mu.Unlock()
	if !holder.ran {
		t.Error("session was not run")
	}
	if !strings.Contains(string(holder.got), "MZ1") {
		t.Errorf("session read = %s", holder.got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("metrics status = %d", rec.Code)
	}
}
