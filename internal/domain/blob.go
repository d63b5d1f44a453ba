package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver copies settled wagers to cold storage, one object per calendar
// month of resolution.
type Archiver interface {
	ArchivePositions(ctx context.Context, from, to time.Time) (int64, error)
	// ArchivedMonths returns the first instant (UTC) of every month that
	// already has an archive object.
	ArchivedMonths(ctx context.Context) (map[time.Time]bool, error)
	// OldestResolution returns when the first market was resolved, or
	// ErrNotFound when none has been.
	OldestResolution(ctx context.Context) (time.Time, error)
}
