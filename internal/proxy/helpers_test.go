package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// testContentID is a well-formed 40-hex content id used across tests.
const testContentID = "dd1e67078381739d14beca697356ab76d49d1a2d"

// fakeUpstream is a scriptable byte source. Tests drive it with emit, end,
// and fail; the session pump consumes it like a real playback stream.
type fakeUpstream struct {
	chunks chan []byte
	stat   string

	mu      sync.Mutex
	failErr error // returned after chunks closes; nil means io.EOF
	closed  chan struct{}
	closeN  int
	stopN   int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		chunks: make(chan []byte, 32),
		stat:   "http://engine/stat",
		closed: make(chan struct{}),
	}
}

func (u *fakeUpstream) emit(s string) { u.chunks <- []byte(s) }

func (u *fakeUpstream) end() { close(u.chunks) }

func (u *fakeUpstream) fail(err error) {
	u.mu.Lock()
	u.failErr = err
	u.mu.Unlock()
	close(u.chunks)
}

func (u *fakeUpstream) Read(b []byte) (int, error) {
	select {
	case chunk, ok := <-u.chunks:
		if !ok {
			u.mu.Lock()
			err := u.failErr
			u.mu.Unlock()
			if err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		return copy(b, chunk), nil
	case <-u.closed:
		return 0, errors.New("upstream closed")
	}
}

func (u *fakeUpstream) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closeN++
	if u.closeN == 1 {
		close(u.closed)
	}
	return nil
}

func (u *fakeUpstream) Stop(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stopN++
	return nil
}

func (u *fakeUpstream) StatURL() string { return u.stat }

func (u *fakeUpstream) stops() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopN
}

func (u *fakeUpstream) closes() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closeN
}

// fakeConnector counts invocations and hands out fake upstreams. When up is
// set it is returned on every call; otherwise each call creates a fresh one.
// When block is set, Connect waits for it to close first.
type fakeConnector struct {
	up    *fakeUpstream
	block chan struct{}

	mu      sync.Mutex
	calls   int
	err     error
	created []*fakeUpstream
}

func (c *fakeConnector) Connect(ctx context.Context, req StreamRequest) (Upstream, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	up := c.up
	if up == nil {
		up = newFakeUpstream()
	}
	c.created = append(c.created, up)
	return up, nil
}

func (c *fakeConnector) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeConnector) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *fakeConnector) upstream(i int) *fakeUpstream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created[i]
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry(c Connector, opts Options) *Registry {
	return NewRegistry(c, opts, newTestLogger(), nil)
}

// collect drains a subscription until it terminates and returns the
// concatenated bytes plus the terminal error.
func collect(t *testing.T, sub *Subscription) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var b bytes.Buffer
	for {
		chunk, err := sub.Next(ctx)
		if err != nil {
			return b.String(), err
		}
		b.Write(chunk)
	}
}

// waitFor polls cond until it holds or the test deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitDone fails the test if the session does not reach Closed in time.
func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not close, state %s", s.Key(), s.State())
	}
}
