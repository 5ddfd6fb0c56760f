// Package sendertest provides a deterministic Sender for tests.
package sendertest

import (
	"context"
	"sync"

	"campaign-dispatch/internal/engine"
)

// Call records one Send invocation.
type Call struct {
	CustomerID string
	Message    string
}

// Scripted returns, per customer id, the next scripted error for each
// attempt. Once a script is exhausted its last entry repeats; customers with
// no script are delivered. Default, when set, applies to unscripted
// customers.
type Scripted struct {
	mu      sync.Mutex
	scripts map[string][]error
	calls   []Call
	Default error

	// Gate, when non-nil, blocks every Send until it is closed or the
	// context ends.
	Gate chan struct{}
	// Started receives the customer id as each Send begins, if non-nil.
	Started chan string
}

func New() *Scripted {
	return &Scripted{scripts: map[string][]error{}}
}

// Script sets the per-attempt results for one customer.
func (s *Scripted) Script(customerID string, results ...error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[customerID] = results
	return s
}

func (s *Scripted) Send(ctx context.Context, customer engine.Customer, message string) error {
	if s.Started != nil {
		select {
		case s.Started <- customer.ID:
		default:
		}
	}
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{CustomerID: customer.ID, Message: message})
	script, ok := s.scripts[customer.ID]
	if !ok {
		return s.Default
	}
	if len(script) == 0 {
		return nil
	}
	err := script[0]
	if len(script) > 1 {
		s.scripts[customer.ID] = script[1:]
	}
	return err
}

func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Attempts counts Send calls for one customer.
func (s *Scripted) Attempts(customerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.CustomerID == customerID {
			n++
		}
	}
	return n
}
