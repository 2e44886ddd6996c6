package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"

	"ace-proxy/internal/platform/metrics"
)

// contentIDPattern matches an AceStream content id or infohash: a 40
// character hex SHA-1 digest.
var contentIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// reservedParams are query parameters consumed by the proxy itself; anything
// else is forwarded to the engine handshake.
var reservedParams = map[string]bool{
	"id":       true,
	"infohash": true,
	"format":   true,
	"pid":      true,
}

// Handler exposes the proxy HTTP endpoints.
type Handler struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Registry, Logger, and
// optional Metrics. Metrics may be nil to disable metric recording (e.g. in
// tests).
func NewHandler(registry *Registry, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{registry: registry, log: log, metrics: m}
}

// parseStreamRequest extracts and validates a StreamRequest from query
// parameters. The second return value is a client-facing message when the
// request is malformed.
func parseStreamRequest(q url.Values) (StreamRequest, string) {
	id := q.Get("id")
	infohash := q.Get("infohash")

	if id == "" && infohash == "" {
		return StreamRequest{}, "missing id or infohash parameter"
	}
	if id != "" && infohash != "" {
		return StreamRequest{}, "only one of id or infohash can be specified"
	}
	if q.Has("pid") {
		return StreamRequest{}, "pid parameter is not allowed"
	}
	if id != "" && !contentIDPattern.MatchString(id) {
		return StreamRequest{}, "malformed id parameter"
	}
	if infohash != "" && !contentIDPattern.MatchString(infohash) {
		return StreamRequest{}, "malformed infohash parameter"
	}

	format := FormatTS
	switch q.Get("format") {
	case "", string(FormatTS):
	case string(FormatM3U8):
		format = FormatM3U8
	default:
		return StreamRequest{}, "format must be ts or m3u8"
	}

	extra := url.Values{}
	for k, vs := range q {
		if reservedParams[k] {
			continue
		}
		extra[k] = vs
	}
	if len(extra) == 0 {
		extra = nil
	}

	return StreamRequest{ID: id, Infohash: infohash, Format: format, Extra: extra}, ""
}

// GetStream handles GET /ace/getstream. It attaches the connection to the
// shared session for the requested content and relays chunks until the
// client disconnects or the session ends.
func (h *Handler) GetStream(w http.ResponseWriter, r *http.Request) {
	req, msg := parseStreamRequest(r.URL.Query())
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	h.log.Info("stream requested",
		slog.String("session", req.Key()),
		slog.String("remote", r.RemoteAddr))

	sess, sub, err := h.registry.Subscribe(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.log.Error("upstream connect failed",
			slog.String("session", req.Key()),
			slog.String("error", err.Error()))
		http.Error(w, "upstream connect failed", status)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", req.Format.ContentType())
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	ctx := r.Context()
	for {
		chunk, err := sub.Next(ctx)
		if err != nil {
			// io.EOF is a clean stream end; anything else closes the
			// connection mid-body, which is all HTTP allows here.
			h.log.Debug("stream finished",
				slog.String("session", sess.Key()),
				slog.String("reason", err.Error()))
			return
		}
		if _, err := w.Write(chunk); err != nil {
			h.log.Debug("client write failed",
				slog.String("session", sess.Key()),
				slog.String("error", err.Error()))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if h.metrics != nil {
			h.metrics.AddProxiedBytes(len(chunk))
		}
	}
}

// globalStatus is the JSON body of /ace/status without parameters.
type globalStatus struct {
	Streams int `json:"streams"`
}

// streamStatus is the JSON body of /ace/status for one stream.
type streamStatus struct {
	StreamID string `json:"stream_id"`
	Clients  int    `json:"clients"`
	StatURL  string `json:"stat_url"`
}

// Status handles GET /ace/status. Without parameters it reports the number
// of live sessions; with id or infohash it reports that session's state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("id") == "" && q.Get("infohash") == "" {
		writeJSON(w, http.StatusOK, globalStatus{Streams: h.registry.ActiveSessionCount()})
		return
	}

	req, msg := parseStreamRequest(q)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	sess, ok := h.registry.Lookup(req)
	if !ok {
		http.Error(w, "stream not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, streamStatus{
		StreamID: req.Key(),
		Clients:  sess.Subscribers(),
		StatURL:  sess.StatURL(),
	})
}

// Health handles GET /healthz. It touches no session state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
