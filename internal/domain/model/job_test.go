package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTileJobStatus_Valid(t *testing.T) {
	assert.True(t, TileJobStatusNew.Valid())
	assert.True(t, TileJobStatusInProgress.Valid())
	assert.True(t, TileJobStatusDone.Valid())
	assert.False(t, TileJobStatus("failed").Valid())
}

func TestTileJobStatus_UnmarshalText(t *testing.T) {
	var s TileJobStatus
	require.NoError(t, s.UnmarshalText([]byte(" IN_PROGRESS ")))
	assert.Equal(t, TileJobStatusInProgress, s)

	err := s.UnmarshalText([]byte("bogus"))
	require.Error(t, err)
	assert.Equal(t, TileJobStatusInProgress, s, "failed parse must not overwrite")
}

func TestTileJobKey_Validate(t *testing.T) {
	tests := []struct {
		name    string
		key     TileJobKey
		wantErr bool
	}{
		{name: "valid", key: NewTileJobKey("c1", "a.tif")},
		{name: "nested path", key: NewTileJobKey("c1", "scans/page-01.tif")},
		{name: "missing collection", key: NewTileJobKey(" ", "a.tif"), wantErr: true},
		{name: "collection with slash", key: TileJobKey{CollectionID: "c/1", Path: "a.tif"}, wantErr: true},
		{name: "collection with backslash", key: TileJobKey{CollectionID: `c\1`, Path: "a.tif"}, wantErr: true},
		{name: "parent collection", key: TileJobKey{CollectionID: "..", Path: "x.png"}, wantErr: true},
		{name: "current collection", key: TileJobKey{CollectionID: ".", Path: "x.png"}, wantErr: true},
		{name: "padded parent collection", key: NewTileJobKey(" .. ", "x.png"), wantErr: true},
		{name: "dotted collection", key: TileJobKey{CollectionID: "v1..2", Path: "a.tif"}},
		{name: "missing path", key: NewTileJobKey("c1", ""), wantErr: true},
		{name: "escaping path", key: TileJobKey{CollectionID: "c1", Path: "../etc/passwd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTileJobKey)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestNewTileJobKey_NormalizesPath(t *testing.T) {
	key := NewTileJobKey(" c1 ", `/scans\\page.tif`)
	assert.Equal(t, "c1", key.CollectionID)
	assert.Equal(t, "scans/page.tif", key.Path)

	// Cleaning keeps leading parent references inside the virtual root.
	assert.Equal(t, "etc/passwd", NewTileJobKey("c1", "../etc/passwd").Path)
}

func TestTileJob_Durations(t *testing.T) {
	added := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	started := added.Add(time.Minute)
	finished := started.Add(30 * time.Second)

	job := TileJob{
		CollectionID: "c1",
		Path:         "a.tif",
		Status:       TileJobStatusInProgress,
		Added:        added,
		Started:      &started,
	}

	assert.Equal(t, TileJobKey{CollectionID: "c1", Path: "a.tif"}, job.Key())
	assert.Equal(t, 2*time.Minute, job.Age(added.Add(2*time.Minute)))
	assert.Equal(t, 10*time.Second, job.RunningFor(started.Add(10*time.Second)))
	assert.Zero(t, job.Elapsed())

	job.Status = TileJobStatusDone
	job.Finished = &finished
	assert.Zero(t, job.RunningFor(finished))
	assert.Equal(t, 30*time.Second, job.Elapsed())
}

func TestTileResult_Validate(t *testing.T) {
	require.NoError(t, TileResult{Tiles: 21, Width: 1024, Height: 768, ZoomLevels: 3}.Validate())
	require.Error(t, TileResult{Width: 1024, Height: 768, ZoomLevels: 3}.Validate())
	require.Error(t, TileResult{Tiles: 1, Width: 0, Height: 768, ZoomLevels: 3}.Validate())
	require.Error(t, TileResult{Tiles: 1, Width: 1, Height: 1}.Validate())
}

func TestTileJobStats_Unfinished(t *testing.T) {
	stats := TileJobStats{New: 2, InProgress: 3, Done: 10}
	assert.Equal(t, int64(5), stats.Unfinished())
}
