// Package deepgram implements tts.Synthesizer against the Deepgram Speak
// REST API, producing mulaw/8000 audio ready for telephony framing.
package deepgram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hearthline-ai/hearthline/internal/resilience"
	"github.com/hearthline-ai/hearthline/pkg/provider/tts"
)

const (
	defaultEndpoint   = "https://api.deepgram.com/v1/speak"
	defaultVoiceModel = "aura-2-luna-en"
	defaultSampleRate = 8000
	defaultEncoding   = "mulaw"

	requestTimeout = 30 * time.Second
)

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithVoiceModel sets the voice (e.g., "aura-2-luna-en").
func WithVoiceModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithEndpoint overrides the API endpoint. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(s *Synthesizer) { s.endpoint = endpoint }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Synthesizer) { s.client = client }
}

// Synthesizer implements tts.Synthesizer via the Deepgram Speak API.
type Synthesizer struct {
	apiKey   string
	endpoint string
	model    string
	client   *http.Client
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New creates a Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:   apiKey,
		endpoint: defaultEndpoint,
		model:    defaultVoiceModel,
		client:   &http.Client{Timeout: requestTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Synthesize implements [tts.Synthesizer]. Errors are classified for the
// retry loop: 429 carries the Retry-After hint, 5xx is retryable, other
// statuses abort.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, fmt.Errorf("deepgram: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.requestURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, resilience.Cancelled(err)
		}
		return nil, resilience.Retryable(fmt.Errorf("deepgram: speak request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		audio, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.Retryable(fmt.Errorf("deepgram: read audio: %w", err))
		}
		return audio, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, resilience.RateLimited(
			fmt.Errorf("deepgram: rate limited (429)"),
			retryAfter(resp.Header.Get("Retry-After")))

	case resp.StatusCode >= 500:
		return nil, resilience.Retryable(
			fmt.Errorf("deepgram: server error (%d)", resp.StatusCode))

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resilience.Permanent(
			fmt.Errorf("deepgram: speak failed (%d): %s", resp.StatusCode, msg))
	}
}

// requestURL builds the Speak endpoint with the voice and telephony codec
// baked into the query string.
func (s *Synthesizer) requestURL() string {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return s.endpoint
	}
	q := u.Query()
	q.Set("model", s.model)
	q.Set("encoding", defaultEncoding)
	q.Set("sample_rate", strconv.Itoa(defaultSampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()
	return u.String()
}

// retryAfter parses a Retry-After header given in seconds. Zero when absent
// or malformed.
func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
