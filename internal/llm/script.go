package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned once a Script has no replies left.
var ErrScriptExhausted = errors.New("script exhausted")

// Script replays canned completions in order. With Loop set the last reply
// repeats forever. It records every request it receives.
type Script struct {
	Replies  []string
	Loop     bool
	VerifyErr error

	mu       sync.Mutex
	next     int
	requests []Request
}

// NewScript creates a Script with the given replies.
func NewScript(replies ...string) *Script {
	return &Script{Replies: replies}
}

// Complete implements Completer.
func (s *Script) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.next >= len(s.Replies) {
		if s.Loop && len(s.Replies) > 0 {
			return s.Replies[len(s.Replies)-1], nil
		}
		return "", ErrScriptExhausted
	}
	reply := s.Replies[s.next]
	s.next++
	return reply, nil
}

// Verify implements Verifier.
func (s *Script) Verify(context.Context) error {
	return s.VerifyErr
}

// Requests returns a copy of the requests seen so far.
func (s *Script) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}
