package stream

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"mirrorstream/internal/platform/metrics"
)

const playlistContentType = "application/vnd.apple.mpegurl"

// sessionKeyHeader carries the viewer's session key on gated routes.
const sessionKeyHeader = "X-Session-Key"

// Handler exposes the stream engine's HTTP endpoints using go-chi. It owns
// all protocol translation; the core components never format responses.
type Handler struct {
	access    *AccessController
	store     *SegmentStore
	limiter   *RateLimiter
	playlists *PlaylistGenerator
	qualities map[string]struct{}
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewHandler returns a Handler over the four core components. Metrics may be
// nil to disable metric recording (e.g. in tests).
func NewHandler(access *AccessController, store *SegmentStore, limiter *RateLimiter, playlists *PlaylistGenerator, profiles []QualityProfile, log *slog.Logger, m *metrics.Metrics) *Handler {
	qualities := make(map[string]struct{}, len(profiles))
	for _, p := range profiles {
		qualities[p.ID] = struct{}{}
	}
	return &Handler{
		access:    access,
		store:     store,
		limiter:   limiter,
		playlists: playlists,
		qualities: qualities,
		log:       log,
		metrics:   m,
	}
}

// RequestSession handles POST /stream/session.
func (h *Handler) RequestSession(w http.ResponseWriter, r *http.Request) {
	key, err := h.access.RequestAccess()
	if err != nil {
		if errors.Is(err, ErrStreamInUse) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "stream is in use"})
			return
		}
		h.log.Error("request access failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_key": key})
}

// ReleaseSession handles DELETE /stream/session.
func (h *Handler) ReleaseSession(w http.ResponseWriter, r *http.Request) {
	h.access.ReleaseAccess(sessionKey(r))
	w.WriteHeader(http.StatusNoContent)
}

// GetMasterPlaylist handles GET /stream/master.m3u8.
func (h *Handler) GetMasterPlaylist(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(h.playlists.MasterPlaylist()))
}

// GetMediaPlaylist handles GET /stream/{quality}/playlist.m3u8.
func (h *Handler) GetMediaPlaylist(w http.ResponseWriter, r *http.Request) {
	quality := chi.URLParam(r, "quality")
	if _, ok := h.qualities[quality]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	segments := h.store.Segments(quality)
	w.Header().Set("Content-Type", playlistContentType)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(h.playlists.MediaPlaylist(quality, segments, false)))
}

// GetSegment handles GET /stream/{quality}/{segment}, honoring Range.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	quality := chi.URLParam(r, "quality")
	segment := chi.URLParam(r, "segment")

	payload, err := h.store.SegmentDataForRequest(r.Context(), quality, segment, r.Header.Get("Range"))
	if err != nil {
		switch {
		case errors.Is(err, ErrSegmentNotFound):
			w.WriteHeader(http.StatusNotFound)
		case errors.Is(err, ErrInvalidRange):
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		default:
			h.log.Error("segment read failed",
				slog.String("quality", quality),
				slog.String("segment", segment),
				slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
		}
		return
	}

	for k, v := range payload.Headers {
		w.Header().Set(k, v)
	}
	if payload.Partial {
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	w.Write(payload.Data)
	if h.metrics != nil {
		h.metrics.AddSegmentBytesServed(len(payload.Data))
	}
}

// GetStatus handles GET /stream/status for the admin UI.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	stats := make([]StoreStats, 0, len(h.qualities))
	for q := range h.qualities {
		stats = append(stats, h.store.Stats(q))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session": h.access.Status(),
		"tiers":   stats,
	})
}

// SessionGate is middleware rejecting requests whose session key does not
// match the live session. Validation refreshes the session's sliding expiry.
func (h *Handler) SessionGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.access.ValidateAccess(sessionKey(r)) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "no valid stream session"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimit is middleware applying the sliding-window limiter and emitting
// X-RateLimit-* headers on every response, plus Retry-After on rejection.
func (h *Handler) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := h.limiter.Allow(h.limiter.Identity(r), r.URL.Path)

		resetSecs := int(math.Ceil(d.RetryAfter.Seconds()))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(resetSecs))

		if !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(resetSecs))
			if h.metrics != nil {
				h.metrics.IncRateLimited()
			}
			writeJSON(w, h.limiter.RejectStatus(), map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sessionKey(r *http.Request) string {
	if k := r.Header.Get(sessionKeyHeader); k != "" {
		return k
	}
	return r.URL.Query().Get("key")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
