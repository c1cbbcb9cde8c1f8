// Package segment names and pre-sizes the on-disk segment files that hold a
// recording's raw stream bytes, and the metadata file that holds its
// descriptor. File names are a deterministic function of recordingId (and
// segmentIndex for segments), so they are collision-free within an archive
// directory.
package segment

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	metadataExt = ".rec"
	// MinMetadataFileLength is the minimum size the metadata file is padded
	// to so the descriptor's fixed header block can be mapped and
	// point-updated.
	MinMetadataFileLength = 4096
)

// MetadataFileName returns the deterministic metadata file name for a recording.
func MetadataFileName(recordingId int64) string {
	return fmt.Sprintf("%d%s", recordingId, metadataExt)
}

// DataFileName returns the deterministic segment file name for
// (recordingId, segmentIndex).
func DataFileName(recordingId int64, segmentIndex int64) string {
	return fmt.Sprintf("%d-%d%s", recordingId, segmentIndex, metadataExt)
}

// MetadataPath joins archiveDir with the metadata file name.
func MetadataPath(archiveDir string, recordingId int64) string {
	return filepath.Join(archiveDir, MetadataFileName(recordingId))
}

// DataPath joins archiveDir with the segment file name.
func DataPath(archiveDir string, recordingId, segmentIndex int64) string {
	return filepath.Join(archiveDir, DataFileName(recordingId, segmentIndex))
}

// Create pre-allocates a new segment file of exactly segmentFileLength bytes
// and returns it open for read-write, positioned at 0. The caller is
// responsible for seeking to the correct write offset. Pre-sizing via
// Truncate leaves the file sparse on filesystems that support it, which is
// sufficient — the recorder only ever extends the write cursor monotonically
// so the allocation never needs to grow mid-write.
func Create(path string, segmentFileLength int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	if err := f.Truncate(segmentFileLength); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: pre-size %s to %d: %w", path, segmentFileLength, err)
	}
	return f, nil
}

// OpenForWrite opens an existing segment file for read-write without
// re-truncating it, for read-back or repair tooling over an already
// pre-sized segment.
func OpenForWrite(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	return f, nil
}

// OpenForRead opens a segment file read-only for cursor use.
func OpenForRead(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s for read: %w", path, err)
	}
	return f, nil
}

// Exists reports whether a file exists at path.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
