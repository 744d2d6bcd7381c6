package capture

import (
	"strconv"

	"github.com/msageha/hostagent/internal/schema"
)

const (
	DefaultMaxImageWidth  = 3280
	DefaultMaxImageHeight = 2464
)

// ImageSize returns the capture dimensions for an image profile given the
// sensor's maximum resolution.
func ImageSize(profile, maxWidth, maxHeight int) (width, height int) {
	div := 2
	switch profile {
	case schema.ImageProfileHigh:
		div = 1
	case schema.ImageProfileLow:
		div = 4
	case schema.ImageProfileLowest:
		div = 8
	}
	width, height = maxWidth/div, maxHeight/div
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return width, height
}

// FlipArgs returns the capture tool flags for a flip setting.
func FlipArgs(flip int) []string {
	switch flip {
	case schema.FlipHorizontal:
		return []string{"-hf"}
	case schema.FlipVertical:
		return []string{"-vf"}
	case schema.FlipBoth:
		return []string{"-hf", "-vf"}
	}
	return nil
}

// CaptureArgs builds the capture tool argument list.
func CaptureArgs(sensor, width, height, flip int, output string) []string {
	args := []string{
		"-t", "1",
		"-e", "jpg",
		"-q", "97",
		"-w", strconv.Itoa(width),
		"-h", strconv.Itoa(height),
	}
	args = append(args, FlipArgs(flip)...)
	if sensor > 0 {
		args = append(args, "-cs", strconv.Itoa(sensor))
	}
	return append(args, "-o", output)
}
