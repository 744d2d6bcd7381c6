package capture

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var imageFilename = regexp.MustCompile(`^([0-9]+)_([0-9]+)x([0-9]+)\.jpg$`)

// Image is the metadata encoded in a cached image filename.
type Image struct {
	Time   int64
	Width  int
	Height int
}

// ParseImageFilename decodes "<ms>_<w>x<h>.jpg".
func ParseImageFilename(name string) (Image, bool) {
	m := imageFilename.FindStringSubmatch(name)
	if m == nil {
		return Image{}, false
	}
	t, err1 := strconv.ParseInt(m[1], 10, 64)
	w, err2 := strconv.Atoi(m[2])
	h, err3 := strconv.Atoi(m[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return Image{}, false
	}
	return Image{Time: t, Width: w, Height: h}, true
}

// ImageFilename encodes img as a cache filename.
func ImageFilename(img Image) string {
	return fmt.Sprintf("%d_%dx%d.jpg", img.Time, img.Width, img.Height)
}

// Summary is the in-memory index of one sensor's cache directory. It is
// always rebuilt from a directory listing.
type Summary struct {
	// DirectoryTimes lists bucket directory timestamps in ascending order.
	DirectoryTimes    []int64
	MinCaptureTime    int64
	LastCaptureFile   string
	LastCaptureTime   int64
	LastCaptureWidth  int
	LastCaptureHeight int
	// CapturePath is the newest bucket directory, or "".
	CapturePath      string
	CapturePathCount int
}

// Clone returns a copy sharing no slices with s.
func (s Summary) Clone() Summary {
	s.DirectoryTimes = append([]int64(nil), s.DirectoryTimes...)
	return s
}

// SensorDir returns the cache directory for one sensor.
func SensorDir(cachePath string, sensor int) string {
	return filepath.Join(cachePath, strconv.Itoa(sensor))
}

// BucketPath returns the directory of the bucket named t under dir.
func BucketPath(dir string, t int64) string {
	return filepath.Join(dir, strconv.FormatInt(t, 10))
}

// ReadCacheSummary scans dir: numeric subdirectories holding at least one
// image are buckets, the oldest bucket gives the minimum capture time and
// the newest gives the last capture and its file count. Empty bucket
// directories are skipped and removed.
func ReadCacheSummary(dir string) (Summary, error) {
	var s Summary
	entries, err := os.ReadDir(dir)
	if err != nil {
		return s, fmt.Errorf("read cache directory %s: %w", dir, err)
	}
	var candidates []int64
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := strconv.ParseInt(e.Name(), 10, 64)
		if err != nil || strings.TrimLeft(e.Name(), "0123456789") != "" {
			continue
		}
		candidates = append(candidates, t)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	var newest []Image
	for _, t := range candidates {
		bucket := BucketPath(dir, t)
		images, err := listImages(bucket)
		if err != nil {
			return s, err
		}
		if len(images) == 0 {
			_ = os.Remove(bucket)
			continue
		}
		if len(s.DirectoryTimes) == 0 {
			s.MinCaptureTime = images[0].Time
		}
		s.DirectoryTimes = append(s.DirectoryTimes, t)
		s.CapturePath = bucket
		newest = images
	}
	if len(newest) == 0 {
		return s, nil
	}

	last := newest[len(newest)-1]
	s.CapturePathCount = len(newest)
	s.LastCaptureTime = last.Time
	s.LastCaptureWidth = last.Width
	s.LastCaptureHeight = last.Height
	s.LastCaptureFile = filepath.Join(s.CapturePath, ImageFilename(last))
	return s, nil
}

// listImages returns the images in a bucket sorted by time. Names with a
// zero timestamp are ignored.
func listImages(bucket string) ([]Image, error) {
	entries, err := os.ReadDir(bucket)
	if err != nil {
		return nil, fmt.Errorf("read bucket %s: %w", bucket, err)
	}
	var out []Image
	for _, e := range entries {
		img, ok := ParseImageFilename(e.Name())
		if !ok || img.Time <= 0 {
			continue
		}
		out = append(out, img)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

// Query selects images for FindCaptureImages. Zero MinTime and MaxTime
// fall back to the summary's bounds. Zero MaxResults means no limit.
type Query struct {
	MinTime      int64
	MaxTime      int64
	MaxResults   int
	IsDescending bool
}

// FindCaptureImages lists capture times within the query's range, reading
// buckets in the requested order and stopping once MaxResults are found.
// A bucket removed while the search runs is skipped.
func FindCaptureImages(dir string, s Summary, q Query) ([]int64, error) {
	times := []int64{}
	n := len(s.DirectoryTimes)
	if n == 0 {
		return times, nil
	}
	minTime, maxTime := q.MinTime, q.MaxTime
	if minTime <= 0 {
		minTime = s.MinCaptureTime
	}
	if maxTime <= 0 {
		maxTime = s.LastCaptureTime
	}

	var buckets []int64
	if q.IsDescending {
		i := n - 1
		for i > 0 && s.DirectoryTimes[i] > maxTime {
			i--
		}
		for ; i >= 0; i-- {
			buckets = append(buckets, s.DirectoryTimes[i])
		}
	} else {
		// Start at the last bucket that can hold minTime.
		i := 0
		for i < n-1 && s.DirectoryTimes[i+1] <= minTime {
			i++
		}
		buckets = append(buckets, s.DirectoryTimes[i:]...)
	}

	full := func() bool { return q.MaxResults > 0 && len(times) >= q.MaxResults }
	for _, b := range buckets {
		if full() {
			break
		}
		imgs, err := listImages(BucketPath(dir, b))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if q.IsDescending {
			sort.Slice(imgs, func(i, j int) bool { return imgs[i].Time > imgs[j].Time })
		}
		for _, img := range imgs {
			if img.Time < minTime || img.Time > maxTime {
				continue
			}
			times = append(times, img.Time)
			if full() {
				break
			}
		}
	}
	return times, nil
}

// CaptureImagePath finds the file holding the image captured at t, or ""
// when there is none.
func CaptureImagePath(dir string, s Summary, t int64) (string, error) {
	var bucket int64
	for _, bt := range s.DirectoryTimes {
		if bt > t {
			break
		}
		bucket = bt
	}
	if bucket <= 0 {
		return "", nil
	}
	path := BucketPath(dir, bucket)
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read bucket %s: %w", path, err)
	}
	prefix := strconv.FormatInt(t, 10) + "_"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(path, e.Name()), nil
		}
	}
	return "", nil
}
