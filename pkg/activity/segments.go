package activity

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

const manifestFile = "manifest.json"

// Manifest lists the segments of a segmented log, oldest first.
type Manifest struct {
	Version     int       `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
	SegmentSize int       `json:"segment_size"`
	Segments    []Segment `json:"segments"`
	Total       int       `json:"total"`
}

// Segment is one JSONL file of a segmented log.
type Segment struct {
	Seq    int    `json:"seq"`
	File   string `json:"file"`
	Events int    `json:"events"`
}

// SegmentedLogger writes events into a directory of size-bounded JSONL
// segments and keeps manifest.json in step. Reopening a directory resumes
// the newest segment; a lost manifest is rebuilt from the files on disk.
type SegmentedLogger struct {
	mu sync.Mutex

	dir         string
	segmentSize int
	manifest    *Manifest

	file   *os.File
	writer *bufio.Writer
	seq    int
	events int
}

// OpenSegmented opens or creates a segmented log in dir.
func OpenSegmented(dir string, segmentSize int) (*SegmentedLogger, error) {
	if dir == "" {
		return nil, errors.New("activity dir is required")
	}
	if segmentSize <= 0 {
		segmentSize = 500
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	l := &SegmentedLogger{dir: dir, segmentSize: segmentSize}
	m, err := LoadManifest(dir)
	switch {
	case err == nil:
		l.manifest = m
	case errors.Is(err, os.ErrNotExist):
		l.manifest = scanSegments(dir, segmentSize)
	default:
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	if l.manifest.SegmentSize == 0 {
		l.manifest.SegmentSize = segmentSize
	}

	if n := len(l.manifest.Segments); n > 0 {
		last := l.manifest.Segments[n-1]
		if err := l.open(last.Seq); err != nil {
			return nil, err
		}
		l.events = last.Events
		return l, nil
	}
	if err := l.open(1); err != nil {
		return nil, err
	}
	return l, l.saveManifest()
}

// Log appends ev, starting a new segment when the current one is full.
func (l *SegmentedLogger) Log(ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return errors.New("activity log is closed")
	}

	if l.events >= l.segmentSize {
		if err := l.open(l.seq + 1); err != nil {
			return err
		}
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}

	l.events++
	l.manifest.Total++
	for i := range l.manifest.Segments {
		if l.manifest.Segments[i].Seq == l.seq {
			l.manifest.Segments[i].Events = l.events
		}
	}
	return l.saveManifest()
}

// Close flushes the current segment and the manifest.
func (l *SegmentedLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return nil
	}
	err := l.writer.Flush()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.writer, l.file = nil, nil
	if serr := l.saveManifest(); err == nil {
		err = serr
	}
	return err
}

func (l *SegmentedLogger) open(seq int) error {
	if l.writer != nil {
		_ = l.writer.Flush()
		_ = l.file.Close()
	}

	name := segmentName(seq)
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	l.file = f
	l.writer = bufio.NewWriter(f)
	l.seq = seq
	l.events = 0

	if !slices.ContainsFunc(l.manifest.Segments, func(s Segment) bool { return s.Seq == seq }) {
		l.manifest.Segments = append(l.manifest.Segments, Segment{Seq: seq, File: name})
		slices.SortFunc(l.manifest.Segments, func(a, b Segment) int { return a.Seq - b.Seq })
	}
	return nil
}

func (l *SegmentedLogger) saveManifest() error {
	l.manifest.Version = 1
	l.manifest.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(l.manifest, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(l.dir, manifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadManifest reads the manifest of a segmented log.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReadRecent returns up to limit of the newest events in dir, oldest first.
// A limit of 0 returns everything.
func ReadRecent(dir string, limit int) ([]Event, error) {
	m, err := LoadManifest(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		m = scanSegments(dir, 0)
	}

	var out []Event
	for i := len(m.Segments) - 1; i >= 0; i-- {
		events, err := readSegment(filepath.Join(dir, m.Segments[i].File))
		if err != nil {
			return nil, err
		}
		out = append(events, out...)
		if limit > 0 && len(out) >= limit {
			return out[len(out)-limit:], nil
		}
	}
	return out, nil
}

func readSegment(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}

// scanSegments rebuilds a manifest from the segment files in dir.
func scanSegments(dir string, segmentSize int) *Manifest {
	m := &Manifest{Version: 1, SegmentSize: segmentSize}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return m
	}
	for _, e := range entries {
		seq := segmentSeq(e.Name())
		if e.IsDir() || seq <= 0 {
			continue
		}
		events, _ := readSegment(filepath.Join(dir, e.Name()))
		m.Segments = append(m.Segments, Segment{Seq: seq, File: e.Name(), Events: len(events)})
		m.Total += len(events)
	}
	slices.SortFunc(m.Segments, func(a, b Segment) int { return a.Seq - b.Seq })
	return m
}

func segmentName(seq int) string {
	return fmt.Sprintf("activity-%06d.jsonl", seq)
}

// segmentSeq parses activity-000123.jsonl.
func segmentSeq(name string) int {
	if !strings.HasPrefix(name, "activity-") || !strings.HasSuffix(name, ".jsonl") {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "activity-"), ".jsonl"))
	if err != nil {
		return 0
	}
	return n
}
