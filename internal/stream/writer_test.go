package stream

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileSegmentWriter_accumulates(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileSegmentWriter(dir, "high", 2.0)
	if err != nil {
		t.Fatalf("NewFileSegmentWriter: %v", err)
	}
	defer w.Close()

	if _, done := w.CurrentSegment(); done {
		t.Fatal("empty segment should not be complete")
	}

	if err := w.WriteEncodedData([]byte("aaaa"), 0.0); err != nil {
		t.Fatal(err)
	}
	if _, done := w.CurrentSegment(); done {
		t.Fatal("segment under target duration should not be complete")
	}

	if err := w.WriteEncodedData([]byte("bbbb"), 2.0); err != nil {
		t.Fatal(err)
	}
	seg, done := w.CurrentSegment()
	if !done {
		t.Fatal("segment at target duration should be complete")
	}
	if seg.SequenceIndex != 0 || seg.Path != "0.ts" {
		t.Errorf("first segment: seq=%d path=%q", seg.SequenceIndex, seg.Path)
	}
	if seg.Duration != 2.0 || seg.StartTime != 0.0 {
		t.Errorf("first segment: duration=%v start=%v", seg.Duration, seg.StartTime)
	}
	if seg.ID == "" || seg.Quality != "high" {
		t.Errorf("first segment: id=%q quality=%q", seg.ID, seg.Quality)
	}

	data, err := os.ReadFile(filepath.Join(dir, "0.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "aaaabbbb" {
		t.Errorf("segment file content = %q", data)
	}
}

func TestFileSegmentWriter_rolls(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileSegmentWriter(dir, "high", 2.0)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	_ = w.WriteEncodedData([]byte("x"), 0.0)
	_ = w.WriteEncodedData([]byte("y"), 2.0)
	if err := w.StartNewSegment(); err != nil {
		t.Fatalf("StartNewSegment: %v", err)
	}

	if _, done := w.CurrentSegment(); done {
		t.Error("fresh segment after roll should not be complete")
	}

	_ = w.WriteEncodedData([]byte("z"), 2.1)
	seg, _ := w.CurrentSegment()
	if seg.SequenceIndex != 1 || seg.Path != "1.ts" {
		t.Errorf("rolled segment: seq=%d path=%q", seg.SequenceIndex, seg.Path)
	}
	if seg.StartTime != 2.1 {
		t.Errorf("rolled segment start = %v", seg.StartTime)
	}

	if _, err := os.Stat(filepath.Join(dir, "1.ts")); err != nil {
		t.Errorf("expected 1.ts on disk: %v", err)
	}
}
