// Package catalog implements the archive-wide recording catalog: it assigns
// recordingIds, tracks which recordings have a live writer, and keeps a
// durable summary of every recording the archive directory has ever held.
// The index is persisted as a JSON sidecar, rewritten atomically
// (write-tmp, fsync, rename, fsync dir) on every mutation.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/migue/arkive/internal/archive/descriptor"
	"github.com/migue/arkive/internal/archive/segment"
)

const indexFileName = "archive.catalog"

// Entry is the catalog's summary of one recording, refreshed from the
// descriptor whenever a recording session stops.
type Entry struct {
	RecordingId       int64  `json:"recordingId"`
	Source            string `json:"source"`
	SessionId         int32  `json:"sessionId"`
	Channel           string `json:"channel"`
	StreamId          int32  `json:"streamId"`
	TermBufferLength  int64  `json:"termBufferLength"`
	SegmentFileLength int64  `json:"segmentFileLength"`
	MtuLength         int32  `json:"mtuLength"`
	InitialTermId     int32  `json:"initialTermId"`
	StartTime         int64  `json:"startTime"`
	EndTime           int64  `json:"endTime"`
	InitialPosition   int64  `json:"initialPosition"`
	LastPosition      int64  `json:"lastPosition"`
}

type index struct {
	NextRecordingId int64            `json:"nextRecordingId"`
	Entries         map[int64]*Entry `json:"entries"`
}

// Catalog tracks every recording known to an archive directory and which
// recordingIds currently have a live recorder. A recording admits at most
// one concurrent writer.
type Catalog struct {
	archiveDir string

	mu     sync.Mutex
	idx    index
	active map[int64]bool
}

// Open loads (or creates) the catalog index for an archive directory.
func Open(archiveDir string) (*Catalog, error) {
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: create archive dir %s: %w", archiveDir, err)
	}
	c := &Catalog{archiveDir: archiveDir, active: map[int64]bool{}}
	path := filepath.Join(archiveDir, indexFileName)
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("catalog: read %s: %w", path, err)
		}
		c.idx = index{NextRecordingId: 0, Entries: map[int64]*Entry{}}
		return c, nil
	}
	var loaded index
	if err := json.Unmarshal(b, &loaded); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if loaded.Entries == nil {
		loaded.Entries = map[int64]*Entry{}
	}
	c.idx = loaded
	return c, nil
}

// AddNewRecording registers a fresh recording, assigns it a unique
// recordingId, and marks it as having a live writer. Registration happens
// before the recorder is built, so a recording keeps its durable identity
// in the catalog even if descriptor creation subsequently fails.
func (c *Catalog) AddNewRecording(source string, sessionId int32, channel string, streamId int32, termBufferLength int64, mtuLength int32, initialTermId int32, segmentFileLength int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	recordingId := c.idx.NextRecordingId
	c.idx.NextRecordingId++
	c.idx.Entries[recordingId] = &Entry{
		RecordingId:       recordingId,
		Source:            source,
		SessionId:         sessionId,
		Channel:           channel,
		StreamId:          streamId,
		TermBufferLength:  termBufferLength,
		SegmentFileLength: segmentFileLength,
		MtuLength:         mtuLength,
		InitialTermId:     initialTermId,
		StartTime:         descriptor.Unset,
		EndTime:           descriptor.Unset,
		InitialPosition:   descriptor.Unset,
		LastPosition:      descriptor.Unset,
	}
	c.active[recordingId] = true
	if err := c.saveLocked(); err != nil {
		return 0, err
	}
	return recordingId, nil
}

// UpdateCatalogFromMeta refreshes a recording's catalog entry from its
// just-stopped descriptor's final scalar fields.
func (c *Catalog) UpdateCatalogFromMeta(recordingId int64, d descriptor.Descriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.idx.Entries[recordingId]
	if !ok {
		return fmt.Errorf("catalog: unknown recording %d", recordingId)
	}
	e.StartTime = d.StartTime
	e.EndTime = d.EndTime
	e.InitialPosition = d.InitialPosition
	e.LastPosition = d.LastPosition
	return c.saveLocked()
}

// RemoveRecordingSession releases the active-writer lock held for
// recordingId. The catalog entry itself remains — replay sessions read it
// long after the recording session is gone.
func (c *Catalog) RemoveRecordingSession(recordingId int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, recordingId)
}

// HasActiveWriter reports whether recordingId currently has a live recorder.
func (c *Catalog) HasActiveWriter(recordingId int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[recordingId]
}

// Lookup returns the catalog entry for a recordingId, if known.
func (c *Catalog) Lookup(recordingId int64) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.idx.Entries[recordingId]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// MetadataPath returns the on-disk metadata file path for a recordingId.
func (c *Catalog) MetadataPath(recordingId int64) string {
	return segment.MetadataPath(c.archiveDir, recordingId)
}

// saveLocked atomically persists the index: write to a temp file, fsync it,
// rename over the target, then fsync the containing directory so the rename
// itself survives a crash.
func (c *Catalog) saveLocked() error {
	data, err := json.MarshalIndent(c.idx, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal index: %w", err)
	}
	target := filepath.Join(c.archiveDir, indexFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("catalog: write %s: %w", tmp, err)
	}
	f, err := os.Open(tmp)
	if err != nil {
		return fmt.Errorf("catalog: reopen %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("catalog: sync %s: %w", tmp, err)
	}
	_ = f.Close()
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("catalog: rename %s -> %s: %w", tmp, target, err)
	}
	dir, err := os.Open(c.archiveDir)
	if err != nil {
		return fmt.Errorf("catalog: open dir %s: %w", c.archiveDir, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("catalog: sync dir %s: %w", c.archiveDir, err)
	}
	return nil
}
