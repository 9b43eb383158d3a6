package stream

import "time"

// Segment is a finalized media segment in a quality tier's retention window.
// Immutable once created; destroyed when it ages out of the window.
type Segment struct {
	ID            string  `json:"id"`
	SequenceIndex int64   `json:"sequence"`
	Path          string  `json:"path"`
	Duration      float64 `json:"duration"`
	StartTime     float64 `json:"start_time"`
	Quality       string  `json:"quality"`
}

// QualityProfile describes one pre-declared encoding profile offered via the
// master playlist.
type QualityProfile struct {
	ID      string
	Width   int
	Height  int
	Bitrate int
	Codecs  string
}

// DefaultQualityProfiles are the tiers the encoder produces out of the box.
// Order matters: the master playlist preserves it, highest bitrate first.
func DefaultQualityProfiles() []QualityProfile {
	return []QualityProfile{
		{ID: "high", Width: 1920, Height: 1080, Bitrate: 5_000_000, Codecs: "avc1.640028,mp4a.40.2"},
		{ID: "medium", Width: 1280, Height: 720, Bitrate: 2_500_000, Codecs: "avc1.64001f,mp4a.40.2"},
		{ID: "low", Width: 854, Height: 480, Bitrate: 1_000_000, Codecs: "avc1.64001e,mp4a.40.2"},
	}
}

// cacheEntry is a fully materialized segment held in memory, owned exclusively
// by the SegmentStore.
type cacheEntry struct {
	key      string
	data     []byte
	headers  map[string]string
	cachedAt time.Time
}

// SessionStatus is a point-in-time snapshot of the access controller's state,
// exposed on the admin status endpoint.
type SessionStatus struct {
	Connected      bool       `json:"connected"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
}

// StoreStats summarizes a quality tier's delivery state for the admin UI.
type StoreStats struct {
	Quality       string `json:"quality"`
	SegmentCount  int    `json:"segment_count"`
	CachedEntries int    `json:"cached_entries"`
	OldestSeq     int64  `json:"oldest_sequence"`
	NewestSeq     int64  `json:"newest_sequence"`
}
