package bus

import (
	"context"
	"sync"
	"time"

	"github.com/novelbytelabs/arqonbus/cmd/identity"
	v1 "github.com/novelbytelabs/arqonbus/shared/contracts/bus/v1"
)

// EnqueueResult describes what happened to an envelope offered to a session
// send queue.
type EnqueueResult uint8

const (
	// EnqueueOK: queued without displacing anything.
	EnqueueOK EnqueueResult = iota
	// EnqueueDroppedOldest: queued after evicting the oldest non-critical entry.
	EnqueueDroppedOldest
	// EnqueueDroppedIncoming: the envelope itself was dropped; the queue is
	// full of critical entries.
	EnqueueDroppedIncoming
	// EnqueueCriticalOverflow: a critical envelope could not be queued.
	// The caller must close the session; criticals are never silently lost.
	EnqueueCriticalOverflow
	// EnqueueClosed: the session is shutting down.
	EnqueueClosed
)

// Session is one live authenticated connection: identity, activity tracking,
// and the bounded outbound queue the writer goroutine drains.
//
// Design notes:
// - The queue is a mutex-guarded slice, not a channel, because the overflow
//   policy needs to inspect and displace queued entries.
// - done signals goroutines to stop; Close is idempotent.
// - Criticals (responses, errors) are never dropped; overflow on a critical
//   is reported so the caller can close the session instead.
type Session struct {
	ID          string
	Principal   identity.Principal
	ConnectedAt time.Time

	mu        sync.Mutex
	queue     []v1.Envelope
	capacity  int
	fullSince time.Time
	notify    chan struct{}

	lastActivity time.Time

	closeReason string
	done        chan struct{}
	closeOnce   sync.Once
}

// NewSession constructs a session with a bounded send queue.
func NewSession(id string, principal identity.Principal, queueSize int, now time.Time) *Session {
	if queueSize < minSendQueueSize {
		queueSize = minSendQueueSize
	}
	return &Session{
		ID:           id,
		Principal:    principal,
		ConnectedAt:  now,
		queue:        make([]v1.Envelope, 0, queueSize),
		capacity:     queueSize,
		notify:       make(chan struct{}, 1),
		lastActivity: now,
		done:         make(chan struct{}),
	}
}

// Touch records inbound activity.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the most recent inbound activity time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Enqueue offers an envelope to the send queue without ever blocking.
// When the queue is full, the oldest non-critical entry is evicted to make
// room; an envelope that cannot be placed is dropped (non-critical) or
// reported as overflow (critical).
func (s *Session) Enqueue(env v1.Envelope, now time.Time) EnqueueResult {
	select {
	case <-s.done:
		return EnqueueClosed
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) < s.capacity {
		s.queue = append(s.queue, env)
		if len(s.queue) == s.capacity && s.fullSince.IsZero() {
			s.fullSince = now
		}
		s.wake()
		return EnqueueOK
	}

	evict := -1
	for i := range s.queue {
		if !s.queue[i].Critical() {
			evict = i
			break
		}
	}
	if evict < 0 {
		if env.Critical() {
			return EnqueueCriticalOverflow
		}
		return EnqueueDroppedIncoming
	}

	copy(s.queue[evict:], s.queue[evict+1:])
	s.queue[len(s.queue)-1] = env
	s.wake()
	return EnqueueDroppedOldest
}

// Next pops the oldest queued envelope, blocking until one is available or
// the session/context ends.
func (s *Session) Next(ctx context.Context) (v1.Envelope, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			env := s.queue[0]
			s.queue = s.queue[1:]
			if len(s.queue) < s.capacity {
				s.fullSince = time.Time{}
			}
			s.mu.Unlock()
			return env, true
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return v1.Envelope{}, false
		case <-s.done:
			return v1.Envelope{}, false
		case <-s.notify:
		}
	}
}

// SaturatedSince returns the time the queue became (and stayed) full, or the
// zero time when it has room. The writer closes sessions saturated beyond
// the configured grace.
func (s *Session) SaturatedSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fullSince
}

// QueueLen returns the current send queue depth.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// wake nudges the single consumer. Callers hold s.mu.
func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Done returns a channel closed when the session is shutting down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals shutdown with a coded reason (idempotent; the first reason
// wins).
func (s *Session) Close(reason string) {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// CloseReason returns the code passed to the first Close call, or empty when
// the session is still live.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}
