// Package model defines the core data types used throughout the tiling pipeline.
package model

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// TileJobStatus represents the lifecycle state of a tiling job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type TileJobStatus string

const (
	// TileJobStatusNew indicates a job is waiting to be claimed.
	TileJobStatusNew TileJobStatus = "new"
	// TileJobStatusInProgress indicates a worker has claimed the job.
	TileJobStatusInProgress TileJobStatus = "in_progress"
	// TileJobStatusDone indicates the tile pyramid was written successfully.
	TileJobStatusDone TileJobStatus = "done"
)

var (
	// ErrTileJobNotFound is returned when no job exists for a key.
	ErrTileJobNotFound = errors.New("tile job not found")
	// ErrInvalidTileJobKey is returned when a collection id or path is unusable.
	ErrInvalidTileJobKey = errors.New("invalid tile job key")
)

// Valid returns true if the status is one of the known lifecycle states.
func (s TileJobStatus) Valid() bool {
	return s == TileJobStatusNew || s == TileJobStatusInProgress || s == TileJobStatusDone
}

// UnmarshalText implements encoding.TextUnmarshaler so statuses can be parsed from flags and env.
func (s *TileJobStatus) UnmarshalText(text []byte) error {
	v := TileJobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid TileJobStatus: %q", string(text))
	}
	*s = v
	return nil
}

// TileJobKey is the business key of a job: one source file inside one collection.
type TileJobKey struct {
	CollectionID string `json:"collection_id"`
	Path         string `json:"path"`
}

// NewTileJobKey trims and cleans the key components.
func NewTileJobKey(collectionID, filePath string) TileJobKey {
	return TileJobKey{
		CollectionID: strings.TrimSpace(collectionID),
		Path:         normalizePath(filePath),
	}
}

// Validate checks that both components are present and the path stays inside the collection.
func (k TileJobKey) Validate() error {
	if err := ValidateCollectionID(k.CollectionID); err != nil {
		return err
	}
	p := normalizePath(k.Path)
	if p == "" || p == "." {
		return fmt.Errorf("%w: path is required", ErrInvalidTileJobKey)
	}
	for _, seg := range strings.Split(strings.ReplaceAll(k.Path, `\`, "/"), "/") {
		if seg == ".." {
			return fmt.Errorf("%w: path %q escapes the collection", ErrInvalidTileJobKey, k.Path)
		}
	}
	return nil
}

// ValidateCollectionID checks that id names a single directory below a root.
func ValidateCollectionID(id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("%w: collection id is required", ErrInvalidTileJobKey)
	}
	if strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: collection id %q must not contain path separators", ErrInvalidTileJobKey, id)
	}
	if id == "." || id == ".." || path.Clean(id) != id {
		return fmt.Errorf("%w: collection id %q is not a directory name", ErrInvalidTileJobKey, id)
	}
	return nil
}

func (k TileJobKey) String() string {
	return k.CollectionID + ":" + k.Path
}

func normalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// TileJob is the durable record of one tiling task.
//
// Started is nil while the job is new. Finished and the result metrics are
// only populated once the job is done.
type TileJob struct {
	ID           string        `json:"id"                    db:"id"`
	CollectionID string        `json:"collection_id"         db:"collection_id"`
	Path         string        `json:"path"                  db:"path"`
	Status       TileJobStatus `json:"status"                db:"status"`
	Added        time.Time     `json:"added"                 db:"added_at"`
	Started      *time.Time    `json:"started,omitempty"     db:"started_at"`
	Finished     *time.Time    `json:"finished,omitempty"    db:"finished_at"`
	Tiles        int64         `json:"tiles,omitempty"       db:"tiles"`
	Width        int64         `json:"width,omitempty"       db:"width"`
	Height       int64         `json:"height,omitempty"      db:"height"`
	ZoomLevels   int           `json:"zoom_levels,omitempty" db:"zoom_levels"`
}

// Key returns the business key of the job.
func (j TileJob) Key() TileJobKey {
	return TileJobKey{CollectionID: j.CollectionID, Path: j.Path}
}

// Age reports how long ago the job was enqueued.
func (j TileJob) Age(now time.Time) time.Duration {
	if j.Added.IsZero() {
		return 0
	}
	return now.Sub(j.Added)
}

// RunningFor reports how long the job has been claimed, or zero when it is not in progress.
func (j TileJob) RunningFor(now time.Time) time.Duration {
	if j.Status != TileJobStatusInProgress || j.Started == nil {
		return 0
	}
	return now.Sub(*j.Started)
}

// Elapsed reports the tiling duration of a finished job.
func (j TileJob) Elapsed() time.Duration {
	if j.Started == nil || j.Finished == nil {
		return 0
	}
	return j.Finished.Sub(*j.Started)
}

// TileResult carries the metrics produced by a successful tiling run.
type TileResult struct {
	Tiles      int64 `json:"tiles"`
	Width      int64 `json:"width"`
	Height     int64 `json:"height"`
	ZoomLevels int   `json:"zoom_levels"`
}

// Validate rejects results that cannot describe a real pyramid.
func (r TileResult) Validate() error {
	if r.Tiles <= 0 {
		return errors.New("tile count must be positive")
	}
	if r.Width <= 0 || r.Height <= 0 {
		return errors.New("image dimensions must be positive")
	}
	if r.ZoomLevels <= 0 {
		return errors.New("zoom level count must be positive")
	}
	return nil
}

// TileJobStats reports job counts per status.
type TileJobStats struct {
	New        int64 `json:"new"         db:"new_count"`
	InProgress int64 `json:"in_progress" db:"in_progress_count"`
	Done       int64 `json:"done"        db:"done_count"`
}

// Unfinished returns the number of jobs that are not done.
func (s TileJobStats) Unfinished() int64 {
	return s.New + s.InProgress
}
