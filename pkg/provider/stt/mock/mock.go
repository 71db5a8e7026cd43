// Package mock provides a test double for the stt.Provider and stt.Session
// interfaces.
//
// Use Session in orchestrator tests to feed controlled interim and final
// transcripts without a live speech vendor:
//
//	sess := mock.NewSession()
//	sess.EmitInterim("hel")
//	sess.EmitFinal("hello there")
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/hearthline-ai/hearthline/pkg/provider/stt"
)

// Provider is a mock implementation of stt.Provider. Start returns the
// pre-built Session (or StartErr).
type Provider struct {
	mu sync.Mutex

	// Session is returned by Start. Defaults to a fresh NewSession().
	Session *Session

	// StartErr, if non-nil, is returned by Start instead of a session.
	StartErr error

	// StartCalls records the configs passed to Start.
	StartCalls []stt.StreamConfig
}

var _ stt.Provider = (*Provider)(nil)

// Start implements stt.Provider.
func (p *Provider) Start(_ context.Context, cfg stt.StreamConfig) (stt.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls = append(p.StartCalls, cfg)
	if p.StartErr != nil {
		return nil, p.StartErr
	}
	if p.Session == nil {
		p.Session = NewSession()
	}
	return p.Session, nil
}

// Session is a scriptable stt.Session.
type Session struct {
	mu sync.Mutex

	interims chan string
	finals   chan string
	done     chan struct{}
	closed   bool
	state    stt.State
	err      error

	// Frames records every frame passed to SendAudio.
	Frames [][]byte

	// ClearCalls counts ClearBuffers invocations.
	ClearCalls int
}

var _ stt.Session = (*Session)(nil)

// NewSession returns an open mock session.
func NewSession() *Session {
	return &Session{
		interims: make(chan string, 64),
		finals:   make(chan string, 16),
		done:     make(chan struct{}),
		state:    stt.StateOpen,
	}
}

// EmitInterim pushes an interim utterance to the session's consumers.
func (s *Session) EmitInterim(text string) { s.interims <- text }

// EmitFinal pushes a finalized transcription to the session's consumers.
func (s *Session) EmitFinal(text string) { s.finals <- text }

// Fail simulates an unrecoverable disconnect: the session reports err from
// Err and its channels close.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.state = stt.StateClosed
	s.err = err
	close(s.interims)
	close(s.finals)
	close(s.done)
}

// SendAudio implements stt.Session.
func (s *Session) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("mock stt: session is closed")
	}
	s.Frames = append(s.Frames, frame)
	return nil
}

// Interims implements stt.Session.
func (s *Session) Interims() <-chan string { return s.interims }

// Finals implements stt.Session.
func (s *Session) Finals() <-chan string { return s.finals }

// ClearBuffers implements stt.Session.
func (s *Session) ClearBuffers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCalls++
}

// ClearCount returns how many times ClearBuffers has been called.
func (s *Session) ClearCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ClearCalls
}

// State implements stt.Session.
func (s *Session) State() stt.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done implements stt.Session.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err implements stt.Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements stt.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.state = stt.StateClosed
	close(s.interims)
	close(s.finals)
	close(s.done)
	return nil
}
