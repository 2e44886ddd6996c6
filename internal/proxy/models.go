package proxy

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// Format selects the media representation requested from the engine.
type Format string

const (
	// FormatTS streams a raw MPEG transport stream.
	FormatTS Format = "ts"
	// FormatM3U8 streams an HLS manifest.
	FormatM3U8 Format = "m3u8"
)

// ContentType returns the HTTP content type for the format.
func (f Format) ContentType() string {
	if f == FormatM3U8 {
		return "application/vnd.apple.mpegurl"
	}
	return "video/MP2T"
}

// StreamRequest identifies one upstream content stream. Exactly one of ID or
// Infohash is set. Extra carries unrecognized query parameters that are
// forwarded to the engine handshake.
type StreamRequest struct {
	ID       string
	Infohash string
	Format   Format
	Extra    url.Values
}

// Key returns the identifier under which sessions are shared. Requests with
// the same key attach to the same upstream connection.
func (r StreamRequest) Key() string {
	var b strings.Builder
	if r.ID != "" {
		b.WriteString(strings.ToLower(r.ID))
	} else {
		b.WriteString(strings.ToLower(r.Infohash))
	}
	if r.Format == FormatM3U8 {
		b.WriteString("/m3u8")
	}
	if len(r.Extra) > 0 {
		b.WriteString("?")
		b.WriteString(r.Extra.Encode())
	}
	return b.String()
}

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	// StateStarting means the upstream connector is in flight.
	StateStarting SessionState = iota
	// StateLive means the pump loop is reading and fanning out chunks.
	StateLive
	// StateDraining means teardown has begun; buffered data is flushed and
	// no new subscribers are accepted.
	StateDraining
	// StateFailed means the connector or a mid-stream read failed.
	StateFailed
	// StateClosed is terminal; all resources are released.
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateLive:
		return "live"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// OverflowPolicy is the rule applied when a subscription's backlog is full.
type OverflowPolicy int

const (
	// DisconnectSlowClient detaches a client whose backlog is full. Stale
	// compressed video is unusable, so this is the default.
	DisconnectSlowClient OverflowPolicy = iota
	// DropOldest evicts the oldest buffered chunk to make room, favoring
	// freshness over continuity.
	DropOldest
)

// ParseOverflowPolicy maps a config string to a policy. Unrecognized values
// fall back to DisconnectSlowClient.
func ParseOverflowPolicy(s string) OverflowPolicy {
	if strings.EqualFold(strings.TrimSpace(s), "drop-oldest") {
		return DropOldest
	}
	return DisconnectSlowClient
}

func (p OverflowPolicy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "disconnect"
}

var (
	// ErrSessionClosed is returned by Attach when the session is no longer
	// accepting subscribers. Callers should acquire a fresh session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrSlowClient is surfaced through Subscription.Next when the client
	// was detached for backlog overflow under DisconnectSlowClient.
	ErrSlowClient = errors.New("client backlog overflow")
)

// Upstream is a live byte source for one content stream. Read is consumed by
// exactly one goroutine (the session pump). Close releases the local
// connection; Stop additionally tells the engine to release the stream.
type Upstream interface {
	io.ReadCloser
	Stop(ctx context.Context) error
	StatURL() string
}

// Connector resolves a stream request into a live upstream byte source.
type Connector interface {
	Connect(ctx context.Context, req StreamRequest) (Upstream, error)
}

const (
	// DefaultChunkSize is the upstream read unit in bytes.
	DefaultChunkSize = 32 * 1024
	// DefaultBacklogChunks is the per-client backlog capacity in chunks.
	DefaultBacklogChunks = 64
	// DefaultIdleGrace is how long an unsubscribed session is kept alive
	// before teardown.
	DefaultIdleGrace = 5 * time.Second
)

// Options tune session behavior. The zero value selects defaults, except
// IdleGrace where zero means immediate teardown on last detach (use
// DefaultIdleGrace explicitly to get the grace window).
type Options struct {
	ChunkSize     int
	BacklogChunks int
	IdleGrace     time.Duration
	Overflow      OverflowPolicy

	// Clock is the time source for the idle grace timer. Nil means the
	// real clock; tests inject a mock.
	Clock clock.Clock
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.BacklogChunks <= 0 {
		o.BacklogChunks = DefaultBacklogChunks
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}
