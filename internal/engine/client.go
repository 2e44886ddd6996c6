// Package engine talks to the AceStream middleware over its local HTTP API:
// a JSON handshake resolves a content id into playback, statistics, and
// command URLs, the playback URL is then read as a live byte stream, and the
// command URL releases the stream on teardown.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"ace-proxy/internal/proxy"
)

const (
	streamPath   = "/ace/getstream"
	manifestPath = "/ace/manifest.m3u8"
)

// ErrEngine reports a failure returned by the middleware itself (an error
// field in the handshake response or a non-200 status).
var ErrEngine = errors.New("engine error")

// Client implements proxy.Connector against an AceStream middleware
// instance.
type Client struct {
	baseURL        string
	connectTimeout time.Duration
	log            *slog.Logger

	// api serves the short handshake and command calls; stream serves the
	// long-lived playback body, so it must not carry a whole-request
	// timeout. The response-header phase is still bounded.
	api    *http.Client
	stream *http.Client
}

// NewClient returns a Client for the middleware at scheme://host:port.
// connectTimeout bounds the handshake and the playback response headers.
func NewClient(scheme, host string, port int, connectTimeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		baseURL:        fmt.Sprintf("%s://%s:%d", scheme, host, port),
		connectTimeout: connectTimeout,
		log:            log,
		api:            &http.Client{},
		stream: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: connectTimeout,
			},
		},
	}
}

// streamInfo is the stream descriptor inside a successful handshake reply.
type streamInfo struct {
	PlaybackURL string `json:"playback_url"`
	StatURL     string `json:"stat_url"`
	CommandURL  string `json:"command_url"`
}

// handshakeResponse is the middleware's format=json reply.
type handshakeResponse struct {
	Response *streamInfo `json:"response"`
	Error    string      `json:"error"`
}

// Connect implements proxy.Connector. It performs the JSON handshake for
// req, opens the playback stream, and returns it as the upstream byte
// source.
func (c *Client) Connect(ctx context.Context, req proxy.StreamRequest) (proxy.Upstream, error) {
	pid := uuid.NewString()

	endpoint := streamPath
	if req.Format == proxy.FormatM3U8 {
		endpoint = manifestPath
	}

	params := url.Values{}
	for k, vs := range req.Extra {
		params[k] = vs
	}
	params.Set("format", "json")
	params.Set("pid", pid)
	if req.ID != "" {
		params.Set("id", req.ID)
	} else {
		params.Set("infohash", req.Infohash)
	}

	hctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	info, err := c.handshake(hctx, c.baseURL+endpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	// The playback body outlives the triggering request, so it is opened
	// without the caller's cancellation.
	sctx := context.WithoutCancel(ctx)
	preq, err := http.NewRequestWithContext(sctx, http.MethodGet, info.PlaybackURL, nil)
	if err != nil {
		return nil, fmt.Errorf("playback request: %w", err)
	}
	resp, err := c.stream.Do(preq)
	if err != nil {
		return nil, fmt.Errorf("open playback: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: playback status %d", ErrEngine, resp.StatusCode)
	}

	c.log.Debug("playback opened",
		slog.String("pid", pid),
		slog.String("playback_url", info.PlaybackURL))

	return &Playback{
		body:       resp.Body,
		statURL:    info.StatURL,
		commandURL: info.CommandURL,
		api:        c.api,
	}, nil
}

// handshake fetches and validates the middleware's stream descriptor.
func (c *Client) handshake(ctx context.Context, rawURL string) (*streamInfo, error) {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake request: %w", err)
	}
	resp, err := c.api.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrEngine, resp.StatusCode, body)
	}

	var hr handshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return nil, fmt.Errorf("handshake decode: %w", err)
	}
	if hr.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrEngine, hr.Error)
	}
	if hr.Response == nil || hr.Response.PlaybackURL == "" {
		return nil, fmt.Errorf("%w: handshake response missing playback_url", ErrEngine)
	}
	return hr.Response, nil
}

// Playback is one live upstream byte stream plus the engine URLs needed to
// observe and release it. It implements proxy.Upstream.
type Playback struct {
	body       io.ReadCloser
	statURL    string
	commandURL string
	api        *http.Client

	closeOnce sync.Once
	stopOnce  sync.Once
}

// Read reads the next piece of the playback body. Only the session pump
// calls Read.
func (p *Playback) Read(b []byte) (int, error) {
	return p.body.Read(b)
}

// Close releases the local playback connection. Idempotent.
func (p *Playback) Close() error {
	p.closeOnce.Do(func() {
		p.body.Close()
	})
	return nil
}

// Stop tells the engine to release the stream. Best-effort and invoked at
// most once; the engine also reaps idle streams on its own.
func (p *Playback) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		if p.commandURL == "" {
			return
		}
		stopURL := p.commandURL + "?method=stop"
		var req *http.Request
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, stopURL, nil)
		if err != nil {
			return
		}
		var resp *http.Response
		resp, err = p.api.Do(req)
		if err != nil {
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			err = fmt.Errorf("%w: stop status %d", ErrEngine, resp.StatusCode)
			return
		}
		var cr struct {
			Error string `json:"error"`
		}
		if derr := json.NewDecoder(resp.Body).Decode(&cr); derr == nil && cr.Error != "" {
			err = fmt.Errorf("%w: stop: %s", ErrEngine, cr.Error)
		}
	})
	return err
}

// StatURL returns the engine's statistics URL for this stream.
func (p *Playback) StatURL() string {
	return p.statURL
}
