package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/intruder/pkg/idgen"
	"github.com/cyclopcam/intruder/pkg/videox"
	"github.com/cyclopcam/intruder/server/log"
	"github.com/cyclopcam/logs"
)

// Number of ffmpeg stderr lines that we remember, for error messages. Must be a power of 2.
const stderrHistory = 8

type FFmpegOptions struct {
	Binary      string  // Defaults to "ffmpeg"
	Device      string  // eg /dev/video0, rtsp://..., or a video file
	InputFormat string  // eg "v4l2", "avfoundation", "dshow". Blank lets ffmpeg decide.
	Width       int     // Output frame width
	Height      int     // Output frame height
	FPS         float64 // Requested frame rate. Zero uses the source's rate.
	Realtime    bool    // Read file inputs at their native rate ("-re")
}

// FFmpegArgs returns the ffmpeg command line that decodes the input into raw RGBA frames on stdout
func FFmpegArgs(opt FFmpegOptions) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if opt.Realtime {
		args = append(args, "-re")
	}
	if opt.InputFormat != "" {
		args = append(args, "-f", opt.InputFormat)
		// Capture devices accept a size and rate on input. For files and streams we only scale on output.
		args = append(args, "-video_size", fmt.Sprintf("%vx%v", opt.Width, opt.Height))
		if opt.FPS > 0 {
			args = append(args, "-framerate", fmt.Sprintf("%v", opt.FPS))
		}
	}
	args = append(args, "-i", opt.Device)
	args = append(args, "-an", "-vf", fmt.Sprintf("scale=%v:%v", opt.Width, opt.Height))
	if opt.FPS > 0 && opt.InputFormat == "" {
		args = append(args, "-r", fmt.Sprintf("%v", opt.FPS))
	}
	args = append(args, "-pix_fmt", "rgba", "-f", "rawvideo", "-")
	return args
}

// FFmpegSource runs ffmpeg as a child process, and reads raw RGBA frames from its stdout.
type FFmpegSource struct {
	log        logs.Log
	opt        FFmpegOptions
	cmd        *exec.Cmd
	stdout     io.ReadCloser
	cancel     context.CancelFunc
	ids        idgen.Int64
	stderrDone chan struct{}

	stderrLock sync.Mutex
	stderr     ringbuffer.RingP[string]

	closeOnce sync.Once
	readLock  sync.Mutex
}

// NewFFmpegSource starts ffmpeg. The process lives until Close, or until ctx is cancelled.
func NewFFmpegSource(ctx context.Context, logger logs.Log, opt FFmpegOptions) (*FFmpegSource, error) {
	if opt.Width <= 0 || opt.Height <= 0 {
		return nil, fmt.Errorf("Invalid camera frame size %vx%v", opt.Width, opt.Height)
	}
	if opt.Device == "" {
		return nil, errors.New("No camera device specified")
	}
	if opt.Binary == "" {
		opt.Binary = "ffmpeg"
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, opt.Binary, FFmpegArgs(opt)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	s := &FFmpegSource{
		log:        log.NewPrefixLogger(logger, "Camera "+opt.Device+":"),
		opt:        opt,
		cmd:        cmd,
		stdout:     stdout,
		cancel:     cancel,
		stderrDone: make(chan struct{}),
		stderr:     ringbuffer.NewRingP[string](stderrHistory),
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("Error starting %v: %w", opt.Binary, err)
	}
	s.log.Infof("Started %v %v", opt.Binary, strings.Join(cmd.Args[1:], " "))

	// Consume stderr so that ffmpeg never blocks on it, and keep the last few lines for error messages
	go func() {
		defer close(s.stderrDone)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			s.stderrLock.Lock()
			s.stderr.Add(scanner.Text())
			s.stderrLock.Unlock()
		}
	}()
	return s, nil
}

func (s *FFmpegSource) Name() string {
	return s.opt.Device
}

// Return the most recent lines that ffmpeg wrote to stderr
func (s *FFmpegSource) StderrTail() []string {
	s.stderrLock.Lock()
	defer s.stderrLock.Unlock()
	lines := make([]string, 0, s.stderr.Len())
	for i := 0; i < s.stderr.Len(); i++ {
		lines = append(lines, s.stderr.Peek(i))
	}
	return lines
}

func (s *FFmpegSource) Next(ctx context.Context) (*videox.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.readLock.Lock()
	defer s.readLock.Unlock()
	img := image.NewRGBA(image.Rect(0, 0, s.opt.Width, s.opt.Height))
	if _, err := io.ReadFull(s.stdout, img.Pix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// ffmpeg has exited. If it failed, then report why.
			if tail := s.StderrTail(); len(tail) != 0 {
				return nil, fmt.Errorf("%w: %v", io.EOF, strings.Join(tail, "; "))
			}
			return nil, io.EOF
		}
		return nil, err
	}
	return &videox.Frame{
		ID:    s.ids.Next(),
		Image: img,
		PTS:   time.Now(),
	}, nil
}

// Close stops ffmpeg and waits for it to exit
func (s *FFmpegSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Cancelling the context kills ffmpeg, which closes its stderr
		s.cancel()
		select {
		case <-s.stderrDone:
		case <-time.After(5 * time.Second):
			s.log.Warnf("Timed out waiting for ffmpeg to exit")
			return
		}
		if werr := s.cmd.Wait(); werr != nil {
			var exitErr *exec.ExitError
			if !errors.As(werr, &exitErr) {
				err = werr
			}
		}
	})
	return err
}
