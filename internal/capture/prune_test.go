package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/hostagent/internal/host"
)

// writeSized creates an image of size bytes in the bucket.
func writeSized(t *testing.T, dir string, bucket, tm int64, size int) string {
	t.Helper()
	b := BucketPath(dir, bucket)
	require.NoError(t, os.MkdirAll(b, 0755))
	p := filepath.Join(b, ImageFilename(Image{Time: tm, Width: 10, Height: 10}))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0644))
	return p
}

func TestPrune_BelowThreshold(t *testing.T) {
	dir := t.TempDir()
	p := writeSized(t, dir, 1000, 1000, 100)

	synced := false
	res, err := Prune(dir, []int64{1000}, host.DiskSpace{Total: 10000, Free: 300, Used: 9700}, func() { synced = true })
	require.NoError(t, err)
	assert.False(t, res.Pruned)
	assert.False(t, synced)
	assert.FileExists(t, p)
}

func TestPrune_StopsAtTarget(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := int64(0); i < 5; i++ {
		paths = append(paths, writeSized(t, dir, 1000, 1000+i, 100))
	}

	synced := false
	res, err := Prune(dir, []int64{1000}, host.DiskSpace{Total: 10000, Free: 100, Used: 9900}, func() { synced = true })
	require.NoError(t, err)

	assert.True(t, res.Pruned)
	assert.True(t, synced)
	assert.Equal(t, paths[:3], res.Deleted)
	assert.Equal(t, uint64(300), res.Freed)
	assert.Equal(t, int64(1003), res.MinCaptureTime)
	assert.Equal(t, 2, res.Remaining)
	assert.Zero(t, res.RemovedBucket)
	for _, p := range paths[:3] {
		assert.NoFileExists(t, p)
	}
	for _, p := range paths[3:] {
		assert.FileExists(t, p)
	}
}

func TestPrune_RemovesEmptiedBucket(t *testing.T) {
	dir := t.TempDir()
	writeSized(t, dir, 1000, 1000, 100)
	writeSized(t, dir, 1000, 1001, 100)
	newer := writeSized(t, dir, 2000, 2050, 100)

	res, err := Prune(dir, []int64{1000, 2000}, host.DiskSpace{Total: 10000, Free: 100, Used: 9900}, nil)
	require.NoError(t, err)

	assert.True(t, res.Pruned)
	assert.Equal(t, int64(1000), res.RemovedBucket)
	assert.Equal(t, int64(2050), res.MinCaptureTime)
	assert.NoDirExists(t, BucketPath(dir, 1000))
	assert.FileExists(t, newer, "newer buckets are left alone")
}

func TestPrune_RemovesEmptyOldestBucket(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(BucketPath(dir, 1000), 0755))
	var newer []string
	for i := int64(0); i < 3; i++ {
		newer = append(newer, writeSized(t, dir, 2000, 2000+i, 100))
	}

	synced := false
	res, err := Prune(dir, []int64{1000, 2000}, host.DiskSpace{Total: 10000, Free: 100, Used: 9900}, func() { synced = true })
	require.NoError(t, err)

	assert.True(t, res.Pruned)
	assert.True(t, synced)
	assert.Empty(t, res.Deleted)
	assert.Equal(t, int64(1000), res.RemovedBucket)
	assert.Equal(t, int64(2000), res.MinCaptureTime)
	assert.NoDirExists(t, BucketPath(dir, 1000))
	for _, p := range newer {
		assert.FileExists(t, p)
	}

	res, err = Prune(dir, []int64{2000}, host.DiskSpace{Total: 10000, Free: 100, Used: 9900}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Deleted, 3, "the next pass reaches the following bucket")
}

func TestPrune_LastBucketEmptied(t *testing.T) {
	dir := t.TempDir()
	writeSized(t, dir, 1000, 1000, 100)

	res, err := Prune(dir, []int64{1000}, host.DiskSpace{Total: 10000, Free: 0, Used: 10000}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.RemovedBucket)
	assert.Zero(t, res.MinCaptureTime)
}

func TestPrune_RemovesStrayFiles(t *testing.T) {
	dir := t.TempDir()
	p := writeSized(t, dir, 1000, 1000, 100)
	stray := filepath.Join(BucketPath(dir, 1000), "partial.tmp")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0644))

	res, err := Prune(dir, []int64{1000}, host.DiskSpace{Total: 10000, Free: 9600, Used: 200}, nil)
	require.NoError(t, err)
	assert.False(t, res.Pruned)
	assert.FileExists(t, stray, "below threshold nothing is touched")

	res, err = Prune(dir, []int64{1000}, host.DiskSpace{Total: 10000, Free: 150, Used: 9850}, nil)
	require.NoError(t, err)
	assert.Contains(t, res.Deleted, stray)
	assert.NoFileExists(t, stray)
	assert.NoFileExists(t, p)
}

func TestPrune_NoBuckets(t *testing.T) {
	res, err := Prune(t.TempDir(), nil, host.DiskSpace{Total: 10000, Free: 0}, nil)
	require.NoError(t, err)
	assert.False(t, res.Pruned)
}
