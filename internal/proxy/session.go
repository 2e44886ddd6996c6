package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"ace-proxy/internal/platform/metrics"
)

// stopTimeout bounds the best-effort engine stop command during teardown.
const stopTimeout = 5 * time.Second

// Session owns the single upstream connection for one stream key and fans its
// bytes out to any number of subscriptions. The pump goroutine is the only
// reader of the upstream source.
type Session struct {
	key       string
	registry  *Registry
	log       *slog.Logger
	met       *metrics.Metrics
	opts      Options
	clk       clock.Clock
	createdAt time.Time

	mu         sync.Mutex
	state      SessionState
	upstream   Upstream
	subs       map[uint64]*Subscription
	nextSubID  uint64
	graceTimer *clock.Timer
	err        error // terminal cause when state is Failed

	pumpOnce sync.Once
	done     chan struct{} // closed once the session reaches Closed
}

func newSession(r *Registry, key string, opts Options, log *slog.Logger, met *metrics.Metrics) *Session {
	return &Session{
		key:       key,
		registry:  r,
		log:       log.With(slog.String("session", key)),
		met:       met,
		opts:      opts,
		clk:       opts.Clock,
		createdAt: opts.Clock.Now(),
		state:     StateStarting,
		subs:      make(map[uint64]*Subscription),
		done:      make(chan struct{}),
	}
}

// setLive transitions Starting -> Live. The pump is not started until the
// first Attach, so no upstream bytes are read and lost before the triggering
// client is registered.
func (s *Session) setLive(up Upstream) {
	s.mu.Lock()
	s.upstream = up
	s.state = StateLive
	s.mu.Unlock()
}

// abort finishes a session whose connector failed. No upstream resources
// were acquired, so the transition goes straight to Closed.
func (s *Session) abort(cause error) {
	s.mu.Lock()
	s.state = StateFailed
	s.err = cause
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)
}

// Attach registers a new subscription starting at the current live point of
// the stream. It fails with ErrSessionClosed once the session has left Live;
// callers then acquire a fresh session.
func (s *Session) Attach() (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLive {
		return nil, ErrSessionClosed
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	s.nextSubID++
	sub := newSubscription(s, s.nextSubID, s.opts.BacklogChunks, s.opts.Overflow, s.clk.Now())
	s.subs[sub.id] = sub
	s.pumpOnce.Do(func() { go s.pump() })
	s.log.Debug("client attached",
		slog.Uint64("subscription", sub.id),
		slog.Int("subscribers", len(s.subs)))
	return sub, nil
}

// detach removes a subscription and closes it. Detaching twice, or detaching
// while the pump is tearing the session down, is a no-op.
func (s *Session) detach(sub *Subscription) {
	s.mu.Lock()
	if _, ok := s.subs[sub.id]; !ok {
		s.mu.Unlock()
		sub.close(nil)
		return
	}
	delete(s.subs, sub.id)
	remaining := len(s.subs)
	if remaining == 0 && s.state == StateLive {
		s.scheduleGraceLocked()
	}
	s.mu.Unlock()

	sub.close(nil)
	s.log.Debug("client detached",
		slog.Uint64("subscription", sub.id),
		slog.Int("subscribers", remaining))
}

// scheduleGraceLocked arms the idle teardown timer. Caller holds s.mu.
func (s *Session) scheduleGraceLocked() {
	if s.opts.IdleGrace <= 0 {
		go s.shutdown(nil)
		return
	}
	s.graceTimer = s.clk.AfterFunc(s.opts.IdleGrace, func() {
		s.mu.Lock()
		idle := len(s.subs) == 0 && s.state == StateLive
		s.mu.Unlock()
		if idle {
			s.log.Info("idle grace elapsed, draining session")
			s.shutdown(nil)
		}
	})
}

// pump reads chunks from the upstream source and replicates each one to all
// attached subscriptions. It exits when the source ends or fails, or when a
// concurrent shutdown closes the source under it.
func (s *Session) pump() {
	for {
		buf := make([]byte, s.opts.ChunkSize)
		n, err := s.upstream.Read(buf)
		if n > 0 {
			s.broadcast(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.log.Info("upstream ended, draining session")
				s.shutdown(nil)
			} else {
				s.shutdown(err)
			}
			return
		}
	}
}

// broadcast offers one chunk to every subscription. Subscriptions that
// report they can no longer accept data are detached; a subscription
// disappearing concurrently is tolerated.
func (s *Session) broadcast(chunk []byte) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.push(chunk) {
			continue
		}
		if errors.Is(sub.Err(), ErrSlowClient) {
			s.log.Warn("disconnecting slow client",
				slog.Uint64("subscription", sub.id),
				slog.Int("backlog_chunks", s.opts.BacklogChunks))
			if s.met != nil {
				s.met.IncSlowClientDisconnects()
			}
		}
		s.detach(sub)
	}
}

// shutdown moves the session out of Live exactly once. A nil cause drains
// (subscribers consume their remaining backlog, then see a clean end); a
// non-nil cause fails all subscribers immediately. Safe to call from the
// pump, the grace timer, and the registry concurrently.
func (s *Session) shutdown(cause error) {
	s.mu.Lock()
	if s.state != StateLive && s.state != StateStarting {
		s.mu.Unlock()
		return
	}
	if cause != nil {
		s.state = StateFailed
		s.err = cause
	} else {
		s.state = StateDraining
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[uint64]*Subscription)
	up := s.upstream
	s.mu.Unlock()

	if cause != nil {
		s.log.Error("session failed", slog.String("error", cause.Error()))
		if s.met != nil {
			s.met.IncUpstreamErrors()
		}
	}
	for _, sub := range subs {
		sub.close(cause)
	}

	if up != nil {
		// Close unblocks a pump stuck in Read; Stop releases the stream
		// on the engine side.
		_ = up.Close()
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		if err := up.Stop(ctx); err != nil {
			s.log.Warn("upstream stop failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	s.registry.remove(s)

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)
	s.log.Info("session closed")
}

// Key returns the sharing key of the session.
func (s *Session) Key() string {
	return s.key
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal cause when the session failed, nil otherwise.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribers returns the number of attached subscriptions.
func (s *Session) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// StatURL exposes the engine's statistics URL for the status endpoint.
func (s *Session) StatURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstream == nil {
		return ""
	}
	return s.upstream.StatURL()
}

// Done is closed once the session has reached Closed and all upstream
// resources are released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
