package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func newTestProxy(t *testing.T, c Connector, opts Options) (*Registry, *chi.Mux) {
	t.Helper()
	reg := newTestRegistry(c, opts)
	h := NewHandler(reg, newTestLogger(), nil)
	r := chi.NewRouter()
	r.Get("/ace/getstream", h.GetStream)
	r.Get("/ace/status", h.Status)
	r.Get("/healthz", h.Health)
	return reg, r
}

func TestHandler_GetStream_endToEnd(t *testing.T) {
	up := newFakeUpstream()
	var want string
	for i := 0; i < 10; i++ {
		chunk := fmt.Sprintf("chunk-%d|", i)
		up.emit(chunk)
		want += chunk
	}
	up.end()

	c := &fakeConnector{up: up}
	reg, r := newTestProxy(t, c, Options{IdleGrace: time.Minute})

	req := httptest.NewRequest(http.MethodGet, "/ace/getstream?id="+testContentID, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/MP2T" {
		t.Errorf("content type %q, want video/MP2T", ct)
	}
	if got := rec.Body.String(); got != want {
		t.Errorf("body %q, want %q", got, want)
	}
	if got := c.callCount(); got != 1 {
		t.Errorf("connector invoked %d times, want 1", got)
	}
	waitFor(t, "session teardown after end of stream", func() bool {
		return reg.ActiveSessionCount() == 0 && reg.SubscriberCount() == 0
	})
}

func TestHandler_GetStream_reusesSessionAcrossRequests(t *testing.T) {
	c := &fakeConnector{}
	reg, r := newTestProxy(t, c, Options{IdleGrace: time.Minute})

	serve := func() {
		ctx, cancel := context.WithCancel(context.Background())
		req := httptest.NewRequest(http.MethodGet, "/ace/getstream?id="+testContentID, nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		done := make(chan struct{})
		go func() {
			r.ServeHTTP(rec, req)
			close(done)
		}()
		waitFor(t, "client attach", func() bool { return reg.SubscriberCount() == 1 })
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler did not return after client disconnect")
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
		waitFor(t, "subscription release", func() bool { return reg.SubscriberCount() == 0 })
	}

	serve()
	serve()

	if got := c.callCount(); got != 1 {
		t.Errorf("connector invoked %d times, want 1 (second request within grace reuses the session)", got)
	}
	if got := reg.ActiveSessionCount(); got != 1 {
		t.Errorf("active sessions %d, want 1", got)
	}
}

func TestHandler_GetStream_badRequest(t *testing.T) {
	cases := map[string]string{
		"missing_id":      "/ace/getstream",
		"id_and_infohash": "/ace/getstream?id=" + testContentID + "&infohash=" + testContentID,
		"pid_not_allowed": "/ace/getstream?id=" + testContentID + "&pid=abc",
		"malformed_id":    "/ace/getstream?id=not-a-content-id",
		"short_infohash":  "/ace/getstream?infohash=abc123",
		"unknown_format":  "/ace/getstream?id=" + testContentID + "&format=mp4",
	}

	c := &fakeConnector{}
	reg, r := newTestProxy(t, c, Options{IdleGrace: time.Minute})

	for name, target := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, target, nil)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status %d, want 400", rec.Code)
			}
		})
	}

	// Malformed requests never reach the connector or consume a session.
	if got := c.callCount(); got != 0 {
		t.Errorf("connector invoked %d times, want 0", got)
	}
	if got := reg.ActiveSessionCount(); got != 0 {
		t.Errorf("active sessions %d, want 0", got)
	}
}

func TestHandler_GetStream_connectorFailure(t *testing.T) {
	t.Run("error_maps_to_502", func(t *testing.T) {
		c := &fakeConnector{}
		c.setErr(fmt.Errorf("engine returned status 500"))
		_, r := newTestProxy(t, c, Options{IdleGrace: time.Minute})

		req := httptest.NewRequest(http.MethodGet, "/ace/getstream?id="+testContentID, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadGateway {
			t.Errorf("status %d, want 502", rec.Code)
		}
	})

	t.Run("timeout_maps_to_504", func(t *testing.T) {
		c := &fakeConnector{}
		c.setErr(fmt.Errorf("handshake: %w", context.DeadlineExceeded))
		_, r := newTestProxy(t, c, Options{IdleGrace: time.Minute})

		req := httptest.NewRequest(http.MethodGet, "/ace/getstream?id="+testContentID, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusGatewayTimeout {
			t.Errorf("status %d, want 504", rec.Code)
		}
	})
}

func TestHandler_GetStream_m3u8ContentType(t *testing.T) {
	up := newFakeUpstream()
	up.emit("#EXTM3U\n")
	up.end()
	c := &fakeConnector{up: up}
	_, r := newTestProxy(t, c, Options{IdleGrace: time.Minute})

	req := httptest.NewRequest(http.MethodGet, "/ace/getstream?id="+testContentID+"&format=m3u8", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("content type %q, want application/vnd.apple.mpegurl", ct)
	}
	if !strings.Contains(rec.Body.String(), "#EXTM3U") {
		t.Errorf("manifest body missing, got %q", rec.Body.String())
	}
}

func TestHandler_Status(t *testing.T) {
	c := &fakeConnector{}
	reg, r := newTestProxy(t, c, Options{IdleGrace: time.Minute})

	t.Run("empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ace/status", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
		var body struct {
			Streams int `json:"streams"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Streams != 0 {
			t.Errorf("streams %d, want 0", body.Streams)
		}
	})

	t.Run("live_stream", func(t *testing.T) {
		_, sub, err := reg.Subscribe(context.Background(), testStreamRequest())
		if err != nil {
			t.Fatal(err)
		}
		defer sub.Close()

		req := httptest.NewRequest(http.MethodGet, "/ace/status?id="+testContentID, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status %d, want 200", rec.Code)
		}
		var body struct {
			StreamID string `json:"stream_id"`
			Clients  int    `json:"clients"`
			StatURL  string `json:"stat_url"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.StreamID != testContentID {
			t.Errorf("stream_id %q, want %q", body.StreamID, testContentID)
		}
		if body.Clients != 1 {
			t.Errorf("clients %d, want 1", body.Clients)
		}
		if body.StatURL == "" {
			t.Error("stat_url missing")
		}
	})

	t.Run("unknown_stream", func(t *testing.T) {
		other := strings.Repeat("a", 40)
		req := httptest.NewRequest(http.MethodGet, "/ace/status?id="+other, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status %d, want 404", rec.Code)
		}
	})
}

func TestHandler_Health(t *testing.T) {
	c := &fakeConnector{}
	_, r := newTestProxy(t, c, Options{IdleGrace: time.Minute})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status %d, want 200", rec.Code)
	}
}
