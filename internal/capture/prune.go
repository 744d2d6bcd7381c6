package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/msageha/hostagent/internal/host"
)

const (
	// PruneTriggerPercent is the used-space percentage that starts pruning.
	PruneTriggerPercent = 98
	// PruneTargetPercent is the used-space percentage pruning aims for.
	PruneTargetPercent = 96
)

// PruneResult reports what a prune pass changed.
type PruneResult struct {
	Deleted []string
	Freed   uint64
	// RemovedBucket is the bucket directory removed because no images
	// remained in it, or 0.
	RemovedBucket int64
	// Remaining is the number of images left in the pruned bucket.
	Remaining int
	// MinCaptureTime is the oldest remaining capture time, or 0 when the
	// cache is empty. Valid only when Pruned is set.
	MinCaptureTime int64
	Pruned         bool
}

// Prune frees space by deleting the oldest bucket's files in time order
// until the projected free space reaches the target. Newer buckets are
// never touched, so a single pass may fall short of the target. An oldest
// bucket without images is removed outright. sync is called after
// deletions.
func Prune(dir string, bucketTimes []int64, space host.DiskSpace, sync func()) (PruneResult, error) {
	var res PruneResult
	if space.Total == 0 || len(bucketTimes) == 0 {
		return res, nil
	}
	usedPct := 100 - float64(space.Free)/float64(space.Total)*100
	if usedPct < PruneTriggerPercent {
		return res, nil
	}
	target := space.Total * (100 - PruneTargetPercent) / 100
	free := space.Free

	oldest := bucketTimes[0]
	bucket := BucketPath(dir, oldest)
	entries, err := os.ReadDir(bucket)
	if err != nil {
		return res, fmt.Errorf("read bucket %s: %w", bucket, err)
	}

	type file struct {
		path string
		time int64
	}
	var images []file
	for _, e := range entries {
		p := filepath.Join(bucket, e.Name())
		img, ok := ParseImageFilename(e.Name())
		if !ok {
			// Stray files in a bucket are always removed.
			res.Deleted = append(res.Deleted, p)
			continue
		}
		images = append(images, file{path: p, time: img.Time})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].time < images[j].time })

	for _, f := range images {
		if free >= target {
			break
		}
		info, err := os.Stat(f.path)
		if err != nil {
			return res, fmt.Errorf("stat %s: %w", f.path, err)
		}
		res.Deleted = append(res.Deleted, f.path)
		free += uint64(info.Size())
		res.Freed += uint64(info.Size())
	}

	if len(res.Deleted) == 0 && len(images) > 0 {
		return res, nil
	}
	res.Pruned = true
	for _, p := range res.Deleted {
		if err := os.RemoveAll(p); err != nil {
			return res, fmt.Errorf("remove %s: %w", p, err)
		}
	}
	if sync != nil {
		sync()
	}

	remaining, err := listImages(bucket)
	if err != nil {
		return res, err
	}
	res.Remaining = len(remaining)
	if len(remaining) > 0 {
		res.MinCaptureTime = remaining[0].Time
		return res, nil
	}

	if err := os.RemoveAll(bucket); err != nil {
		return res, fmt.Errorf("remove bucket %s: %w", bucket, err)
	}
	res.RemovedBucket = oldest
	if len(bucketTimes) > 1 {
		next, err := listImages(BucketPath(dir, bucketTimes[1]))
		if err != nil {
			return res, err
		}
		if len(next) > 0 {
			res.MinCaptureTime = next[0].Time
		}
	}
	return res, nil
}
