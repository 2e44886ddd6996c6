package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"ace-proxy/internal/platform/metrics"
)

// subscribeAttempts bounds how often Subscribe retries when a session drains
// between lookup and attach.
const subscribeAttempts = 3

// Registry is the single source of truth mapping stream keys to live
// sessions. Concurrent acquires for the same key converge on one connector
// invocation; unrelated keys never contend on the connect path.
type Registry struct {
	connector Connector
	opts      Options
	log       *slog.Logger
	met       *metrics.Metrics

	group    singleflight.Group
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs a registry that resolves streams through connector.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewRegistry(connector Connector, opts Options, log *slog.Logger, met *metrics.Metrics) *Registry {
	return &Registry{
		connector: connector,
		opts:      opts.withDefaults(),
		log:       log,
		met:       met,
		sessions:  make(map[string]*Session),
	}
}

// Acquire returns the live session for req, creating one if none exists.
// Creation is single-flighted per key: concurrent callers share one connector
// invocation and either all receive the same session or all receive the
// connector's error. Failed sessions are never retained.
func (r *Registry) Acquire(ctx context.Context, req StreamRequest) (*Session, error) {
	key := req.Key()
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		r.mu.Lock()
		if s, ok := r.sessions[key]; ok && s.State() == StateLive {
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		s := newSession(r, key, r.opts, r.log, r.met)
		up, err := r.connector.Connect(ctx, req)
		if err != nil {
			s.abort(err)
			return nil, fmt.Errorf("connect %s: %w", key, err)
		}
		s.setLive(up)

		r.mu.Lock()
		r.sessions[key] = s
		r.mu.Unlock()

		if r.met != nil {
			r.met.IncSessionsStarted()
		}
		r.log.Info("session started", slog.String("session", key))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Subscribe acquires a session for req and attaches a new subscription to
// it. A session caught draining between lookup and attach is retried against
// a fresh acquire.
func (r *Registry) Subscribe(ctx context.Context, req StreamRequest) (*Session, *Subscription, error) {
	var err error
	for attempt := 0; attempt < subscribeAttempts; attempt++ {
		var s *Session
		s, err = r.Acquire(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		var sub *Subscription
		sub, err = s.Attach()
		if err == nil {
			return s, sub, nil
		}
	}
	return nil, nil, err
}

// Lookup returns the session currently registered for req, if any.
func (r *Registry) Lookup(req StreamRequest) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[req.Key()]
	return s, ok
}

// ActiveSessionCount returns the number of registered sessions. Used for
// metrics and the status endpoint.
func (r *Registry) ActiveSessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SubscriberCount returns the total number of attached subscriptions across
// all sessions. Used for metrics.
func (r *Registry) SubscriberCount() int {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	n := 0
	for _, s := range sessions {
		n += s.Subscribers()
	}
	return n
}

// Close drains every registered session and waits for teardown to finish or
// ctx to expire. Used on server shutdown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		go s.shutdown(nil)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// remove deletes s from the map if it is still the registered session for
// its key. A newer session under the same key is left untouched.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.key]; ok && cur == s {
		delete(r.sessions, s.key)
	}
	r.mu.Unlock()
}
