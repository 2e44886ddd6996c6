package proxy

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Subscription is one client's attachment to a session. The pump pushes
// chunks into a bounded backlog; the owning HTTP handler pulls them out with
// Next and writes them to its own connection at its own pace.
type Subscription struct {
	id         uint64
	sess       *Session
	attachedAt time.Time

	mu      sync.Mutex
	backlog *queue.Queue // of []byte
	limit   int
	policy  OverflowPolicy
	closed  bool
	reason  error // terminal cause; nil until closed, io.EOF for clean end
	dropped int   // chunks evicted under DropOldest

	notify chan struct{}
}

func newSubscription(sess *Session, id uint64, limit int, policy OverflowPolicy, now time.Time) *Subscription {
	return &Subscription{
		id:         id,
		sess:       sess,
		attachedAt: now,
		backlog:    queue.New(),
		limit:      limit,
		policy:     policy,
		notify:     make(chan struct{}, 1),
	}
}

// Next returns the next chunk of the stream, blocking until data is
// available, ctx is done, or the subscription terminates. After a clean
// stream end the remaining backlog is drained before io.EOF is returned;
// failure causes (upstream error, ErrSlowClient) are returned immediately.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if s.closed && s.reason != io.EOF {
			err := s.reason
			s.mu.Unlock()
			return nil, err
		}
		if s.backlog.Length() > 0 {
			chunk := s.backlog.Remove().([]byte)
			s.mu.Unlock()
			return chunk, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Close detaches the subscription from its session. It is idempotent and
// safe to call concurrently with the pump.
func (s *Subscription) Close() {
	s.sess.detach(s)
}

// Err returns the terminal cause once the subscription is closed, nil
// otherwise. A clean end reports io.EOF.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Backlog returns the number of chunks buffered but not yet consumed.
func (s *Subscription) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.Length()
}

// push enqueues a chunk, applying the overflow policy when the backlog is
// full. It reports false when the subscription can no longer accept data
// and should be detached by the caller.
func (s *Subscription) push(chunk []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.backlog.Length() >= s.limit {
		if s.policy == DropOldest {
			s.backlog.Remove()
			s.dropped++
		} else {
			s.closeLocked(ErrSlowClient)
			s.mu.Unlock()
			s.wake()
			return false
		}
	}
	s.backlog.Add(chunk)
	s.mu.Unlock()
	s.wake()
	return true
}

// close marks the subscription terminal with the given cause. A nil cause
// records a clean end (io.EOF). The first cause wins.
func (s *Subscription) close(cause error) {
	s.mu.Lock()
	s.closeLocked(cause)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) closeLocked(cause error) {
	if s.closed {
		return
	}
	s.closed = true
	if cause == nil {
		cause = io.EOF
	}
	s.reason = cause
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
