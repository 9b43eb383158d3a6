package stream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mirrorstream/internal/platform/metrics"
)

const segmentContentType = "video/mp2t"

// StoreConfig holds the SegmentStore construction parameters.
type StoreConfig struct {
	SegmentDir            string
	TargetSegmentDuration float64
	MaxSegments           int
	MaxCachedSegments     int
}

// ByteRange is a validated inclusive byte range within a segment payload.
type ByteRange struct {
	Start int64
	End   int64
}

// SegmentPayload is the result of a segment read: the (possibly sliced) bytes,
// the response headers, and whether the read was partial.
type SegmentPayload struct {
	Data    []byte
	Headers map[string]string
	Partial bool
}

// task is a unit of background work: cache population after finalization, or
// best-effort file deletion after retention pruning.
type task struct {
	kind    string // "populate" or "delete"
	quality string
	seg     Segment
}

// SegmentStore owns the bounded on-disk segment window per quality tier and
// an embedded in-memory cache. State is serialized behind one mutex; file I/O
// and deletion run on a background worker so they never block ProcessChunk.
type SegmentStore struct {
	mu       sync.Mutex
	writers  map[string]SegmentWriter
	segments map[string][]Segment
	cache    map[string]*cacheEntry

	cfg     StoreConfig
	tasks   chan task
	deletes *rate.Limiter
	now     func() time.Time

	log *slog.Logger
	met *metrics.Metrics
}

// NewSegmentStore returns a store using one SegmentWriter per quality tier.
// Zero-value config fields get defaults: 2s segments, window of 5, cache of
// 20 entries. Metrics may be nil.
func NewSegmentStore(cfg StoreConfig, writers map[string]SegmentWriter, log *slog.Logger, met *metrics.Metrics) *SegmentStore {
	if cfg.TargetSegmentDuration <= 0 {
		cfg.TargetSegmentDuration = 2.0
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 5
	}
	if cfg.MaxCachedSegments <= 0 {
		cfg.MaxCachedSegments = 20
	}
	return &SegmentStore{
		writers:  writers,
		segments: make(map[string][]Segment),
		cache:    make(map[string]*cacheEntry),
		cfg:      cfg,
		tasks:    make(chan task, 64),
		deletes:  rate.NewLimiter(rate.Every(100*time.Millisecond), 5),
		now:      time.Now,
		log:      log,
		met:      met,
	}
}

// ProcessChunk appends encoded bytes to the quality tier's open segment. When
// the segment reaches the target duration it is finalized: recorded in the
// retention window, queued for cache population, and the window is trimmed.
func (s *SegmentStore) ProcessChunk(ctx context.Context, quality string, data []byte, pts float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.writers[quality]
	if !ok {
		return fmt.Errorf("unknown quality tier %q", quality)
	}

	if err := w.WriteEncodedData(data, pts); err != nil {
		return fmt.Errorf("append chunk: %w", err)
	}

	seg, done := w.CurrentSegment()
	if !done {
		return nil
	}

	if err := w.StartNewSegment(); err != nil {
		return fmt.Errorf("roll segment: %w", err)
	}

	s.segments[quality] = append(s.segments[quality], seg)
	if s.met != nil {
		s.met.IncSegmentsFinalized(quality)
	}
	s.log.Debug("segment finalized",
		slog.String("quality", quality),
		slog.Int64("sequence", seg.SequenceIndex),
		slog.Float64("duration", seg.Duration),
	)

	s.enqueue(task{kind: "populate", quality: quality, seg: seg})
	s.trimRetentionLocked(quality)
	return nil
}

// Segments returns an oldest-first snapshot of the quality tier's retention
// window.
func (s *SegmentStore) Segments(quality string) []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.segments[quality]
	out := make([]Segment, len(window))
	copy(out, window)
	return out
}

// SegmentData serves a segment's bytes with response headers, from the cache
// when possible and read-through from disk otherwise. A non-nil rng slices
// the payload and rewrites the headers for a partial response.
func (s *SegmentStore) SegmentData(ctx context.Context, quality, filename string, rng *ByteRange) (SegmentPayload, error) {
	key := cacheKey(quality, filename)

	s.mu.Lock()
	if ce, ok := s.cache[key]; ok {
		data, headers := ce.data, cloneHeaders(ce.headers)
		s.mu.Unlock()
		if s.met != nil {
			s.met.IncCacheHits()
		}
		return s.applyRange(data, headers, rng)
	}
	seg, found := s.findSegmentLocked(quality, filename)
	s.mu.Unlock()

	if s.met != nil {
		s.met.IncCacheMisses()
	}
	if !found {
		return SegmentPayload{}, ErrSegmentNotFound
	}

	data, err := os.ReadFile(s.segmentPath(quality, seg.Path))
	if err != nil {
		s.log.Warn("segment file unreadable",
			slog.String("quality", quality),
			slog.String("path", seg.Path),
			slog.String("error", err.Error()),
		)
		return SegmentPayload{}, ErrSegmentNotFound
	}

	headers := s.segmentHeaders(seg, len(data))

	s.mu.Lock()
	s.insertCacheLocked(key, &cacheEntry{key: key, data: data, headers: headers, cachedAt: s.now()})
	s.mu.Unlock()

	return s.applyRange(data, cloneHeaders(headers), rng)
}

// SegmentDataForRequest is SegmentData driven by a raw Range header, which
// can only be parsed once the payload length is known. An empty header serves
// the full payload.
func (s *SegmentStore) SegmentDataForRequest(ctx context.Context, quality, filename, rangeHeader string) (SegmentPayload, error) {
	payload, err := s.SegmentData(ctx, quality, filename, nil)
	if err != nil {
		return SegmentPayload{}, err
	}
	if rangeHeader == "" {
		return payload, nil
	}
	rng, err := ParseRangeHeader(rangeHeader, int64(len(payload.Data)))
	if err != nil {
		return SegmentPayload{}, err
	}
	return s.applyRange(payload.Data, payload.Headers, rng)
}

// Stats returns a delivery snapshot for one quality tier.
func (s *SegmentStore) Stats(quality string) StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := StoreStats{Quality: quality, CachedEntries: len(s.cache)}
	window := s.segments[quality]
	st.SegmentCount = len(window)
	if len(window) > 0 {
		st.OldestSeq = window[0].SequenceIndex
		st.NewestSeq = window[len(window)-1].SequenceIndex
	}
	return st
}

// Start launches the background worker that populates the cache and deletes
// pruned segment files. The goroutine exits when ctx is cancelled.
func (s *SegmentStore) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case t := <-s.tasks:
				s.runTask(ctx, t)
			}
		}
	}()
}

// ParseRangeHeader parses a `bytes=<start>-<end>` header against a payload of
// total bytes. Either bound may be absent: an absent start means 0 and an
// absent end means total-1. The suffix-length form is not supported. Bounds
// must satisfy 0 <= start <= end < total.
func ParseRangeHeader(h string, total int64) (*ByteRange, error) {
	spec, ok := strings.CutPrefix(h, "bytes=")
	if !ok {
		return nil, ErrInvalidRange
	}
	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, ErrInvalidRange
	}

	rng := &ByteRange{Start: 0, End: total - 1}
	if startStr != "" {
		n, err := strconv.ParseInt(startStr, 10, 64)
		if err != nil {
			return nil, ErrInvalidRange
		}
		rng.Start = n
	}
	if endStr != "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, ErrInvalidRange
		}
		rng.End = n
	}

	if rng.Start < 0 || rng.Start > rng.End || rng.End >= total {
		return nil, ErrInvalidRange
	}
	return rng, nil
}

// applyRange slices data per rng and rewrites the partial-response headers.
// A nil rng returns the full payload unchanged.
func (s *SegmentStore) applyRange(data []byte, headers map[string]string, rng *ByteRange) (SegmentPayload, error) {
	total := int64(len(data))
	if rng == nil {
		headers["Content-Length"] = strconv.FormatInt(total, 10)
		return SegmentPayload{Data: data, Headers: headers}, nil
	}

	if rng.Start < 0 || rng.Start > rng.End || rng.End >= total {
		return SegmentPayload{}, ErrInvalidRange
	}

	sliced := data[rng.Start : rng.End+1]
	headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, total)
	headers["Content-Length"] = strconv.Itoa(len(sliced))
	return SegmentPayload{Data: sliced, Headers: headers, Partial: true}, nil
}

// trimRetentionLocked removes the oldest entries beyond MaxSegments, evicting
// their cache entries and queueing their files for best-effort deletion.
// Caller must hold s.mu.
func (s *SegmentStore) trimRetentionLocked(quality string) {
	window := s.segments[quality]
	excess := len(window) - s.cfg.MaxSegments
	if excess <= 0 {
		return
	}

	for _, seg := range window[:excess] {
		delete(s.cache, cacheKey(quality, seg.Path))
		s.enqueue(task{kind: "delete", quality: quality, seg: seg})
	}
	s.segments[quality] = append(window[:0:0], window[excess:]...)
}

// insertCacheLocked stores an entry and batch-evicts the oldest quarter by
// cachedAt when the cache exceeds its bound. Caller must hold s.mu.
func (s *SegmentStore) insertCacheLocked(key string, ce *cacheEntry) {
	s.cache[key] = ce
	if len(s.cache) <= s.cfg.MaxCachedSegments {
		return
	}

	entries := make([]*cacheEntry, 0, len(s.cache))
	for _, e := range s.cache {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].cachedAt.Before(entries[j].cachedAt) })

	evict := len(entries) / 4
	if evict < 1 {
		evict = 1
	}
	for _, e := range entries[:evict] {
		delete(s.cache, e.key)
	}
	if s.met != nil {
		s.met.AddCacheEvictions(evict)
	}
}

// enqueue hands a task to the background worker without blocking; a full
// queue drops the task and logs, cleanup being best-effort.
func (s *SegmentStore) enqueue(t task) {
	select {
	case s.tasks <- t:
	default:
		s.log.Warn("background queue full, dropping task",
			slog.String("kind", t.kind),
			slog.String("quality", t.quality),
			slog.String("path", t.seg.Path),
		)
	}
}

func (s *SegmentStore) runTask(ctx context.Context, t task) {
	switch t.kind {
	case "populate":
		s.populateCache(t.quality, t.seg)
	case "delete":
		if err := s.deletes.Wait(ctx); err != nil {
			return
		}
		if err := os.Remove(s.segmentPath(t.quality, t.seg.Path)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("segment delete failed",
				slog.String("quality", t.quality),
				slog.String("path", t.seg.Path),
				slog.String("error", err.Error()),
			)
		}
	}
}

// populateCache reads a just-finalized segment into the cache. Failures are
// logged and swallowed; the segment remains servable from disk.
func (s *SegmentStore) populateCache(quality string, seg Segment) {
	data, err := os.ReadFile(s.segmentPath(quality, seg.Path))
	if err != nil {
		s.log.Warn("cache population failed",
			slog.String("quality", quality),
			slog.String("path", seg.Path),
			slog.String("error", err.Error()),
		)
		return
	}

	key := cacheKey(quality, seg.Path)
	headers := s.segmentHeaders(seg, len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	// The segment may already have been pruned by the time we read it.
	if _, found := s.findSegmentLocked(quality, seg.Path); !found {
		return
	}
	s.insertCacheLocked(key, &cacheEntry{key: key, data: data, headers: headers, cachedAt: s.now()})
}

// findSegmentLocked locates a segment by filename in the quality tier's
// window. Caller must hold s.mu.
func (s *SegmentStore) findSegmentLocked(quality, filename string) (Segment, bool) {
	for _, seg := range s.segments[quality] {
		if seg.Path == filename {
			return seg, true
		}
	}
	return Segment{}, false
}

func (s *SegmentStore) segmentHeaders(seg Segment, size int) map[string]string {
	return map[string]string{
		"Content-Type":       segmentContentType,
		"Cache-Control":      "public, max-age=3600",
		"Content-Length":     strconv.Itoa(size),
		"ETag":               `"` + seg.ID + `"`,
		"Accept-Ranges":      "bytes",
		"X-Content-Duration": fmt.Sprintf("%.3f", seg.Duration),
	}
}

func (s *SegmentStore) segmentPath(quality, filename string) string {
	return filepath.Join(s.cfg.SegmentDir, quality, filename)
}

func cacheKey(quality, filename string) string {
	return quality + "/" + filename
}

func cloneHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
