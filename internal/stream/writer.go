package stream

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// SegmentWriter converts encoded byte chunks into discrete segment files. It
// is supplied by the encoding subsystem; FileSegmentWriter is the default
// disk-backed implementation.
type SegmentWriter interface {
	// StartNewSegment finalizes the open segment (if any) and opens the next
	// one.
	StartNewSegment() error

	// WriteEncodedData appends encoded bytes with their presentation
	// timestamp (seconds) to the open segment.
	WriteEncodedData(data []byte, pts float64) error

	// CurrentSegment returns the open segment's metadata. The bool is true
	// once the segment has accumulated the target duration and is ready to
	// be finalized.
	CurrentSegment() (Segment, bool)
}

// FileSegmentWriter writes one quality tier's segments as numbered .ts files
// under dir. It is used by a single SegmentStore goroutine at a time and does
// no locking of its own.
type FileSegmentWriter struct {
	dir            string
	quality        string
	targetDuration float64

	file     *os.File
	seq      int64
	id       string
	firstPTS float64
	lastPTS  float64
	hasData  bool
}

// NewFileSegmentWriter creates dir if needed and returns a writer producing
// segments of roughly targetDuration seconds for the given quality tier.
func NewFileSegmentWriter(dir, quality string, targetDuration float64) (*FileSegmentWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	w := &FileSegmentWriter{dir: dir, quality: quality, targetDuration: targetDuration}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// StartNewSegment implements SegmentWriter.StartNewSegment.
func (w *FileSegmentWriter) StartNewSegment() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close segment file: %w", err)
		}
	}
	w.seq++
	return w.open()
}

// WriteEncodedData implements SegmentWriter.WriteEncodedData.
func (w *FileSegmentWriter) WriteEncodedData(data []byte, pts float64) error {
	if !w.hasData {
		w.firstPTS = pts
		w.hasData = true
	}
	w.lastPTS = pts
	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write segment data: %w", err)
	}
	return nil
}

// CurrentSegment implements SegmentWriter.CurrentSegment.
func (w *FileSegmentWriter) CurrentSegment() (Segment, bool) {
	if !w.hasData {
		return Segment{}, false
	}
	duration := w.lastPTS - w.firstPTS
	seg := Segment{
		ID:            w.id,
		SequenceIndex: w.seq,
		Path:          w.filename(),
		Duration:      duration,
		StartTime:     w.firstPTS,
		Quality:       w.quality,
	}
	return seg, duration >= w.targetDuration
}

// Close closes the open segment file.
func (w *FileSegmentWriter) Close() error {
	if w.file == nil {
		return nil
	}
	return w.file.Close()
}

func (w *FileSegmentWriter) open() error {
	f, err := os.Create(filepath.Join(w.dir, w.filename()))
	if err != nil {
		return fmt.Errorf("open segment file: %w", err)
	}
	w.file = f
	w.id = uuid.NewString()
	w.hasData = false
	w.firstPTS = 0
	w.lastPTS = 0
	return nil
}

func (w *FileSegmentWriter) filename() string {
	return fmt.Sprintf("%d.ts", w.seq)
}
