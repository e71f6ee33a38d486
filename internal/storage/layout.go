// Package storage owns the on-disk artifact layout and the atomic persistence
// of captured bodies.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

const dirPerm = 0o755

// Layout is the fixed directory tree under the configured base directory.
type Layout struct {
	Base string

	Images         string
	ImagesConv     string
	VideosM3U8     string
	VideosTS       string
	VideosMPD      string
	VideosM4S      string
	VideosMP4      string
	VideosMP4Direct string
}

// NewLayout builds the layout rooted at base and creates every directory.
func NewLayout(base string) (*Layout, error) {
	videos := filepath.Join(base, "videos")

	l := &Layout{
		Base:            base,
		Images:          filepath.Join(base, "images"),
		ImagesConv:      filepath.Join(base, "images", "converted"),
		VideosM3U8:      filepath.Join(videos, "m3u8"),
		VideosTS:        filepath.Join(videos, "ts"),
		VideosMPD:       filepath.Join(videos, "mpd"),
		VideosM4S:       filepath.Join(videos, "m4s"),
		VideosMP4:       filepath.Join(videos, "mp4"),
		VideosMP4Direct: filepath.Join(videos, "mp4_direct"),
	}

	for _, dir := range []string{
		l.Base, l.Images, l.ImagesConv,
		l.VideosM3U8, l.VideosTS, l.VideosMPD, l.VideosM4S, l.VideosMP4, l.VideosMP4Direct,
	} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
		}
	}

	return l, nil
}

// WriteFile persists a captured body atomically: the bytes land under a
// temporary name and are renamed into place, so the destination never exposes
// a partial write.
func (l *Layout) WriteFile(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write artifact %s: %w", path, err)
	}

	return nil
}

// WriteStartMarker records that the capture engine booted, with the base dir
// it resolved. Useful when diagnosing a host that launched the process with an
// unexpected working directory.
func (l *Layout) WriteStartMarker() error {
	body := fmt.Sprintf("started_at=%s\npid=%d\nbase_dir=%s\n",
		time.Now().Format(time.RFC3339), os.Getpid(), l.Base)

	return l.WriteFile(filepath.Join(l.Base, "_capture_started.txt"), []byte(body))
}
