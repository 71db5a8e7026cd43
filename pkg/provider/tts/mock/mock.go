// Package mock provides a scriptable test double for the tts.Synthesizer
// interface.
//
// Feed it into a real tts.Queue to exercise ordering, pacing, and breaker
// behaviour without a live vendor:
//
//	synth := &mock.Synthesizer{Audio: []byte("pcm")}
//	q, _ := tts.NewQueue(tts.QueueConfig{Synthesizer: synth, Breaker: cb})
package mock

import (
	"context"
	"sync"

	"github.com/hearthline-ai/hearthline/pkg/provider/tts"
)

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Audio is returned on success. Defaults to a short placeholder.
	Audio []byte

	// Errs is consumed one per call; a nil entry means success. After the
	// slice is exhausted calls succeed.
	Errs []error

	// SynthesizeFunc, when set, replaces the canned behaviour entirely.
	SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

	// Calls records the synthesized texts in order.
	Calls []string
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Synthesize implements tts.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	s.Calls = append(s.Calls, text)
	var err error
	if len(s.Errs) > 0 {
		err = s.Errs[0]
		s.Errs = s.Errs[1:]
	}
	fn := s.SynthesizeFunc
	audio := s.Audio
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	if err != nil {
		return nil, err
	}
	if audio == nil {
		audio = []byte("audio")
	}
	return audio, nil
}

// CallCount returns how many synthesis calls have been made.
func (s *Synthesizer) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

// Texts returns a copy of the synthesized texts in order.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Calls))
	copy(out, s.Calls)
	return out
}
