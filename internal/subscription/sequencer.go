// Package subscription serialises descriptor writes so that at most one is in
// flight per link.
package subscription

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/hrvlink/internal/registry"
)

// ErrFailed is wrapped by every subscription Error.
var ErrFailed = errors.New("subscription failed")

// Error reports a role whose notifications could not be enabled.
type Error struct {
	Role registry.Role
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("subscribe %s: %v", e.Role, ErrFailed)
	}
	return fmt.Sprintf("subscribe %s: %v: %v", e.Role, ErrFailed, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFailed}
	}
	return []error{ErrFailed, e.Err}
}

// Starter performs the two steps that subscribe a role. EnableNotifications
// sets the local flag and returns synchronously. WriteDescriptor only starts
// the remote write; its outcome is reported back through Advance or Fail.
type Starter interface {
	EnableNotifications(role registry.Role) error
	WriteDescriptor(role registry.Role)
}

// Sequencer is a FIFO of roles waiting to be subscribed. Only the head has a
// descriptor write in flight. It is not safe for concurrent use.
type Sequencer struct {
	queue    []registry.Role
	inFlight bool
	starter  Starter
	logger   *logrus.Logger
}

func NewSequencer(starter Starter, logger *logrus.Logger) *Sequencer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sequencer{starter: starter, logger: logger}
}

// Enqueue appends role and starts it when nothing else is in flight.
func (s *Sequencer) Enqueue(role registry.Role) error {
	s.queue = append(s.queue, role)
	if s.inFlight || len(s.queue) > 1 {
		return nil
	}
	return s.startHead()
}

// Advance acknowledges the in-flight write, pops the head and starts the next
// role. It reports whether the queue is now empty. Advancing an empty queue does nothing.
func (s *Sequencer) Advance() (bool, error) {
	if len(s.queue) == 0 {
		return true, nil
	}
	if !s.inFlight {
		s.logger.WithField("role", s.queue[0]).Warn("Ignoring acknowledgement with no write in flight")
		return false, nil
	}

	done := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight = false
	s.logger.WithFields(logrus.Fields{
		"role":      done,
		"remaining": len(s.queue),
	}).Debug("Subscription acknowledged")

	if len(s.queue) == 0 {
		return true, nil
	}
	return false, s.startHead()
}

// Fail records a failed descriptor write for the head. The head stays queued
// so Retry can re-issue it.
func (s *Sequencer) Fail(cause error) error {
	if len(s.queue) == 0 {
		return nil
	}
	s.inFlight = false
	return &Error{Role: s.queue[0], Err: cause}
}

// Retry restarts the head when it is not already in flight.
func (s *Sequencer) Retry() error {
	if len(s.queue) == 0 || s.inFlight {
		return nil
	}
	return s.startHead()
}

// Head returns the role at the front of the queue.
func (s *Sequencer) Head() (registry.Role, bool) {
	if len(s.queue) == 0 {
		return 0, false
	}
	return s.queue[0], true
}

func (s *Sequencer) Len() int {
	return len(s.queue)
}

func (s *Sequencer) InFlight() bool {
	return s.inFlight
}

// Reset drops every queued role. An in-flight write is forgotten; its late
// acknowledgement must be discarded by the caller.
func (s *Sequencer) Reset() {
	s.queue = nil
	s.inFlight = false
}

func (s *Sequencer) startHead() error {
	head := s.queue[0]
	if err := s.starter.EnableNotifications(head); err != nil {
		return &Error{Role: head, Err: err}
	}
	s.inFlight = true
	s.logger.WithField("role", head).Debug("Writing notification descriptor")
	s.starter.WriteDescriptor(head)
	return nil
}
