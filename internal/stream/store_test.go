package stream

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, maxSegments, maxCached int) (*SegmentStore, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewFileSegmentWriter(filepath.Join(dir, "high"), "high", 2.0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = w.Close() })

	s := NewSegmentStore(StoreConfig{
		SegmentDir:            dir,
		TargetSegmentDuration: 2.0,
		MaxSegments:           maxSegments,
		MaxCachedSegments:     maxCached,
	}, map[string]SegmentWriter{"high": w}, quietLogger(), nil)
	return s, dir
}

// produceSegments pushes chunk pairs through ProcessChunk so that each pair
// crosses a segment boundary, yielding n finalized segments.
func produceSegments(t *testing.T, s *SegmentStore, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		base := float64(i) * 2
		if err := s.ProcessChunk(ctx, "high", []byte("chunk"), base); err != nil {
			t.Fatalf("ProcessChunk(%d): %v", i, err)
		}
		if err := s.ProcessChunk(ctx, "high", []byte("chunk"), base+2); err != nil {
			t.Fatalf("ProcessChunk(%d): %v", i, err)
		}
	}
}

// seedSegment registers a segment directly in the window with known file bytes,
// bypassing the writer, for read-path tests.
func seedSegment(t *testing.T, s *SegmentStore, dir string, seg Segment, data []byte) {
	t.Helper()
	path := filepath.Join(dir, seg.Quality, seg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	s.segments[seg.Quality] = append(s.segments[seg.Quality], seg)
	s.mu.Unlock()
}

func TestSegmentStore_unknown_quality(t *testing.T) {
	s, _ := newTestStore(t, 5, 20)
	if err := s.ProcessChunk(context.Background(), "4k", []byte("x"), 0); err == nil {
		t.Error("expected error for unknown quality tier")
	}
}

func TestSegmentStore_retention_bound(t *testing.T) {
	s, _ := newTestStore(t, 3, 20)
	produceSegments(t, s, 5)

	segs := s.Segments("high")
	if len(segs) != 3 {
		t.Fatalf("expected window of 3 segments, got %d", len(segs))
	}
	// Writer sequences start at 0; after 5 segments the window holds 2,3,4.
	for i, want := range []int64{2, 3, 4} {
		if segs[i].SequenceIndex != want {
			t.Errorf("segs[%d].SequenceIndex = %d, want %d", i, segs[i].SequenceIndex, want)
		}
	}
}

func TestSegmentStore_segments_snapshot(t *testing.T) {
	s, _ := newTestStore(t, 5, 20)
	produceSegments(t, s, 2)

	a := s.Segments("high")
	a[0].Path = "mutated"
	b := s.Segments("high")
	if b[0].Path == "mutated" {
		t.Error("Segments should return an independent copy")
	}
}

func TestSegmentStore_read_through_and_cache(t *testing.T) {
	s, dir := newTestStore(t, 5, 20)
	data := bytes.Repeat([]byte("0123456789"), 30) // 300 bytes
	seg := Segment{ID: "seg-1", SequenceIndex: 0, Path: "0.ts", Duration: 2.0, Quality: "high"}
	seedSegment(t, s, dir, seg, data)

	payload, err := s.SegmentData(context.Background(), "high", "0.ts", nil)
	if err != nil {
		t.Fatalf("SegmentData: %v", err)
	}
	if !bytes.Equal(payload.Data, data) {
		t.Error("full read should return the segment bytes")
	}
	if payload.Partial {
		t.Error("full read should not be partial")
	}
	if got := payload.Headers["Content-Type"]; got != "video/mp2t" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := payload.Headers["Content-Length"]; got != "300" {
		t.Errorf("Content-Length = %q", got)
	}
	if got := payload.Headers["ETag"]; got != `"seg-1"` {
		t.Errorf("ETag = %q", got)
	}
	if got := payload.Headers["Accept-Ranges"]; got != "bytes" {
		t.Errorf("Accept-Ranges = %q", got)
	}
	if got := payload.Headers["X-Content-Duration"]; got != "2.000" {
		t.Errorf("X-Content-Duration = %q", got)
	}

	// Read-through should have populated the cache; a second read must not
	// depend on the file.
	s.mu.Lock()
	_, cached := s.cache[cacheKey("high", "0.ts")]
	s.mu.Unlock()
	if !cached {
		t.Fatal("read-through should populate the cache")
	}
	if err := os.Remove(filepath.Join(dir, "high", "0.ts")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SegmentData(context.Background(), "high", "0.ts", nil); err != nil {
		t.Errorf("cached read after file removal: %v", err)
	}
}

func TestSegmentStore_range_correctness(t *testing.T) {
	s, dir := newTestStore(t, 5, 20)
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i % 251)
	}
	seg := Segment{ID: "seg-r", SequenceIndex: 0, Path: "0.ts", Duration: 2.0, Quality: "high"}
	seedSegment(t, s, dir, seg, data)

	t.Run("explicit_range", func(t *testing.T) {
		payload, err := s.SegmentData(context.Background(), "high", "0.ts", &ByteRange{Start: 100, End: 199})
		if err != nil {
			t.Fatalf("SegmentData: %v", err)
		}
		if !payload.Partial {
			t.Error("range read should be partial")
		}
		if len(payload.Data) != 100 || !bytes.Equal(payload.Data, data[100:200]) {
			t.Errorf("expected bytes 100..199, got %d bytes", len(payload.Data))
		}
		if got := payload.Headers["Content-Range"]; got != "bytes 100-199/300" {
			t.Errorf("Content-Range = %q", got)
		}
		if got := payload.Headers["Content-Length"]; got != "100" {
			t.Errorf("Content-Length = %q", got)
		}
	})

	t.Run("range_past_end", func(t *testing.T) {
		_, err := s.SegmentData(context.Background(), "high", "0.ts", &ByteRange{Start: 300, End: 310})
		if !errors.Is(err, ErrInvalidRange) {
			t.Errorf("expected ErrInvalidRange, got %v", err)
		}
	})

	t.Run("raw_header", func(t *testing.T) {
		payload, err := s.SegmentDataForRequest(context.Background(), "high", "0.ts", "bytes=100-199")
		if err != nil {
			t.Fatalf("SegmentDataForRequest: %v", err)
		}
		if !payload.Partial || len(payload.Data) != 100 {
			t.Errorf("partial=%v len=%d", payload.Partial, len(payload.Data))
		}
	})

	t.Run("raw_header_invalid", func(t *testing.T) {
		_, err := s.SegmentDataForRequest(context.Background(), "high", "0.ts", "bytes=999-")
		if !errors.Is(err, ErrInvalidRange) {
			t.Errorf("expected ErrInvalidRange, got %v", err)
		}
	})
}

func TestSegmentStore_not_found(t *testing.T) {
	s, _ := newTestStore(t, 5, 20)
	_, err := s.SegmentData(context.Background(), "high", "missing.ts", nil)
	if !errors.Is(err, ErrSegmentNotFound) {
		t.Errorf("expected ErrSegmentNotFound, got %v", err)
	}
}

func TestParseRangeHeader(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		total   int64
		want    *ByteRange
		wantErr bool
	}{
		{"explicit", "bytes=100-199", 300, &ByteRange{100, 199}, false},
		{"open_end", "bytes=100-", 300, &ByteRange{100, 299}, false},
		{"open_start", "bytes=-199", 300, &ByteRange{0, 199}, false},
		{"full_open", "bytes=-", 300, &ByteRange{0, 299}, false},
		{"missing_prefix", "100-199", 300, nil, true},
		{"no_dash", "bytes=100", 300, nil, true},
		{"garbage", "bytes=abc-def", 300, nil, true},
		{"end_past_total", "bytes=0-300", 300, nil, true},
		{"start_past_end", "bytes=200-100", 300, nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseRangeHeader(tc.header, tc.total)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidRange) {
					t.Errorf("expected ErrInvalidRange, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRangeHeader: %v", err)
			}
			if got.Start != tc.want.Start || got.End != tc.want.End {
				t.Errorf("got %d-%d, want %d-%d", got.Start, got.End, tc.want.Start, tc.want.End)
			}
		})
	}
}

func TestSegmentStore_cache_batch_eviction(t *testing.T) {
	s, _ := newTestStore(t, 5, 8)

	base := time.Now()
	s.mu.Lock()
	for i := 0; i < 9; i++ {
		key := cacheKey("high", string(rune('a'+i))+".ts")
		s.insertCacheLocked(key, &cacheEntry{key: key, data: []byte("x"), cachedAt: base.Add(time.Duration(i) * time.Second)})
	}
	evicted := 9 - len(s.cache)
	_, oldestGone := s.cache[cacheKey("high", "a.ts")]
	_, newestKept := s.cache[cacheKey("high", "i.ts")]
	s.mu.Unlock()

	// Over-limit insert evicts the oldest quarter in one batch.
	if evicted != 9/4 {
		t.Errorf("evicted %d entries, want %d", evicted, 9/4)
	}
	if oldestGone {
		t.Error("oldest entry should have been evicted")
	}
	if !newestKept {
		t.Error("newest entry should survive eviction")
	}
}

func TestSegmentStore_background_deletion(t *testing.T) {
	s, dir := newTestStore(t, 1, 20)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	produceSegments(t, s, 3)

	// Segments 0 and 1 were pruned; their files are deleted off the hot path.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err0 := os.Stat(filepath.Join(dir, "high", "0.ts"))
		_, err1 := os.Stat(filepath.Join(dir, "high", "1.ts"))
		if os.IsNotExist(err0) && os.IsNotExist(err1) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("pruned segment files were not deleted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if got := len(s.Segments("high")); got != 1 {
		t.Errorf("window size = %d, want 1", got)
	}
}
