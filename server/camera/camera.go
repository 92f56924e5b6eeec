// Package camera produces frames for the pipeline.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/intruder/pkg/idgen"
	"github.com/cyclopcam/intruder/pkg/videox"
	"github.com/cyclopcam/intruder/server/config"
	"github.com/cyclopcam/logs"
)

var ErrClosed = errors.New("Camera is closed")

// Source is a camera, or anything else that produces a sequence of frames.
// Next blocks until a frame is available. At the end of the stream, Next returns io.EOF.
// Every frame returned by Next is a new allocation, which the caller owns.
type Source interface {
	Name() string
	Next(ctx context.Context) (*videox.Frame, error)
	Close() error
}

// Open creates the Source described by the config
func Open(ctx context.Context, log logs.Log, c *config.Camera) (Source, error) {
	if c.ImageDir != "" {
		return NewDirSource(c.ImageDir, c.FPS, c.Loop)
	}
	return NewFFmpegSource(ctx, log, FFmpegOptions{
		Device:      c.Device,
		InputFormat: c.InputFormat,
		Width:       c.Width,
		Height:      c.Height,
		FPS:         c.FPS,
	})
}

// Sleep for d, or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pacer spaces out frames to a target rate
type pacer struct {
	interval time.Duration
	next     time.Time
}

func newPacer(fps float64) pacer {
	if fps <= 0 {
		return pacer{}
	}
	return pacer{interval: time.Duration(float64(time.Second) / fps)}
}

func (p *pacer) wait(ctx context.Context) error {
	if p.interval == 0 {
		return ctx.Err()
	}
	now := time.Now()
	if p.next.IsZero() || now.Sub(p.next) > p.interval {
		// First frame, or we've fallen far behind, so don't try to catch up
		p.next = now
	}
	err := sleepCtx(ctx, p.next.Sub(now))
	p.next = p.next.Add(p.interval)
	return err
}

// DirSource reads a directory of JPEG images in filename order, as though they were a camera
type DirSource struct {
	dir   string
	files []string
	loop  bool

	lock   sync.Mutex
	pos    int
	pace   pacer
	ids    idgen.Int64
	closed bool
}

// IsImageFile returns true if the filename has an extension that DirSource reads
func IsImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jpg", ".jpeg":
		return true
	}
	return false
}

func NewDirSource(dir string, fps float64, loop bool) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("Error reading image directory %v: %w", dir, err)
	}
	files := []string{}
	for _, e := range entries {
		if !e.IsDir() && IsImageFile(e.Name()) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("No JPEG images found in %v", dir)
	}
	slices.Sort(files)
	return &DirSource{
		dir:   dir,
		files: files,
		loop:  loop,
		pace:  newPacer(fps),
	}, nil
}

func (d *DirSource) Name() string {
	return d.dir
}

func (d *DirSource) Next(ctx context.Context) (*videox.Frame, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.pos >= len(d.files) {
		if !d.loop {
			return nil, io.EOF
		}
		d.pos = 0
	}
	if err := d.pace.wait(ctx); err != nil {
		return nil, err
	}
	filename := d.files[d.pos]
	d.pos++
	img, err := videox.ReadImageFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error reading %v: %w", filename, err)
	}
	return &videox.Frame{
		ID:    d.ids.Next(),
		Image: img,
		PTS:   time.Now(),
	}, nil
}

func (d *DirSource) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.closed = true
	return nil
}

// StaticSource repeats one image. If Count is positive, the stream ends after Count frames.
type StaticSource struct {
	Image *image.RGBA
	Count int

	lock   sync.Mutex
	pace   pacer
	ids    idgen.Int64
	closed bool
}

func NewStaticSource(img *image.RGBA, count int, fps float64) *StaticSource {
	return &StaticSource{
		Image: img,
		Count: count,
		pace:  newPacer(fps),
	}
}

func (s *StaticSource) Name() string {
	return "static"
}

func (s *StaticSource) Next(ctx context.Context) (*videox.Frame, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.Count > 0 && s.ids.Last() >= int64(s.Count) {
		return nil, io.EOF
	}
	if err := s.pace.wait(ctx); err != nil {
		return nil, err
	}
	return &videox.Frame{
		ID:    s.ids.Next(),
		Image: videox.CloneRGBA(s.Image),
		PTS:   time.Now(),
	}, nil
}

func (s *StaticSource) Close() error {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.closed = true
	return nil
}
