// Package session is the caller loop that ties a camera to the pipeline.
// It reads frames and submits them, polls for annotated results, writes the
// preview image, tracks the display frame rate, and relays user commands.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/intruder/pkg/gen"
	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/cyclopcam/intruder/pkg/videox"
	"github.com/cyclopcam/intruder/server/alarm"
	"github.com/cyclopcam/intruder/server/camera"
	"github.com/cyclopcam/intruder/server/config"
	"github.com/cyclopcam/intruder/server/log"
	"github.com/cyclopcam/intruder/server/metrics"
	"github.com/cyclopcam/intruder/server/pipeline"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
)

type Status string

const (
	StatusStopped      Status = "camera stopped"
	StatusRunning      Status = "camera running"
	StatusIntrusion    Status = "intrusion detected"
	StatusCannotRead   Status = "cannot read frame"
	StatusCameraFailed Status = "camera failed to start"
)

const (
	// Number of display intervals that the FPS is measured over
	fpsWindow = 30
	// Must be a power of 2, and at least fpsWindow
	fpsRingSize = 32

	// The display loop never sleeps for longer than this
	maxDisplayDelay = 100 * time.Millisecond

	// After a camera read error, pause this long before trying again
	readErrorBackoff = 100 * time.Millisecond

	// How long we wait for the worker to finish the last frames of a stream that has ended
	drainTimeout = 10 * time.Second

	errorLogInterval = 15 * time.Second
)

// SYNC-COMMAND-CHANNEL-SIZE
const commandChannelSize = 10

type OpenCameraFunc func(ctx context.Context) (camera.Source, error)

type Options struct {
	Config     *config.Config
	Pipeline   *pipeline.Pipeline
	Player     *alarm.Player    // May be nil
	Metrics    *metrics.Metrics // May be nil
	OpenCamera OpenCameraFunc
	AutoStart  bool // Start the camera when Run is called
	ExitOnEOF  bool // Return from Run when the camera stream ends
}

// Session owns the camera, and is the only consumer of the pipeline's results.
type Session struct {
	Log logs.Log

	config     *config.Config
	pipeline   *pipeline.Pipeline
	player     *alarm.Player
	metrics    *metrics.Metrics
	openCamera OpenCameraFunc
	autoStart  bool
	exitOnEOF  bool
	commands   chan Command
	readLog    *log.RateLimited

	// Owned by the Run goroutine
	cam              *cameraRun
	lastShown        time.Time
	intervals        ringbuffer.RingP[time.Duration]
	lastPreviewWrite time.Time

	latestLock sync.Mutex
	latest     *image.RGBA // Most recent annotated frame

	statusLock sync.Mutex
	status     Status
}

// A single run of the camera, from start until stop or end of stream
type cameraRun struct {
	id          uuid.UUID
	src         camera.Source
	cancel      context.CancelFunc
	done        chan error // Receives exactly one value when the capture goroutine exits
	ended       bool
	readFailing atomic.Bool

	readLock      sync.Mutex
	lastRead      time.Time
	readIntervals ringbuffer.RingP[time.Duration] // Time between successful reads
}

func newCameraRun(src camera.Source, cancel context.CancelFunc) *cameraRun {
	return &cameraRun{
		id:            uuid.New(),
		src:           src,
		cancel:        cancel,
		done:          make(chan error, 1),
		readIntervals: ringbuffer.NewRingP[time.Duration](fpsRingSize),
	}
}

// Called by the capture goroutine after every frame that was read successfully
func (r *cameraRun) recordRead(now time.Time) {
	r.readLock.Lock()
	defer r.readLock.Unlock()
	if !r.lastRead.IsZero() {
		r.readIntervals.Add(now.Sub(r.lastRead))
	}
	r.lastRead = now
}

// The frame rate that the camera appears to be configured for
func (r *cameraRun) nominalFPS() (float64, bool) {
	r.readLock.Lock()
	n := r.readIntervals.Len()
	intervals := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		intervals = append(intervals, r.readIntervals.Peek(i))
	}
	r.readLock.Unlock()
	return camera.NominalFPS(intervals)
}

func New(logger logs.Log, opt Options) (*Session, error) {
	if opt.Config == nil || opt.Pipeline == nil || opt.OpenCamera == nil {
		return nil, errors.New("Session needs a config, a pipeline, and a camera")
	}
	slog := log.NewPrefixLogger(logger, "Session:")
	return &Session{
		Log:        slog,
		config:     opt.Config,
		pipeline:   opt.Pipeline,
		player:     opt.Player,
		metrics:    opt.Metrics,
		openCamera: opt.OpenCamera,
		autoStart:  opt.AutoStart,
		exitOnEOF:  opt.ExitOnEOF,
		commands:   make(chan Command, commandChannelSize),
		readLog:    log.NewRateLimited(slog, errorLogInterval),
		intervals:  ringbuffer.NewRingP[time.Duration](fpsRingSize),
		status:     StatusStopped,
	}, nil
}

// Command parses a line of user input, and queues it for the Run goroutine
func (s *Session) Command(line string) error {
	cmd, err := ParseCommand(line)
	if err != nil {
		return err
	}
	return s.Send(cmd)
}

// Send queues a command for the Run goroutine, without blocking
func (s *Session) Send(cmd Command) error {
	// SYNC-COMMAND-CHANNEL-SIZE
	if !gen.TrySend(s.commands, cmd) {
		return errors.New("Too many commands are waiting")
	}
	return nil
}

func (s *Session) Status() Status {
	s.statusLock.Lock()
	defer s.statusLock.Unlock()
	return s.status
}

// Latest returns the most recent annotated frame, or nil if there is none yet.
// The caller must not modify the image.
func (s *Session) Latest() *image.RGBA {
	s.latestLock.Lock()
	defer s.latestLock.Unlock()
	return s.latest
}

// Run is the display loop. It returns when ctx is cancelled, or when the stream
// ends and ExitOnEOF is set. The camera and the pipeline are stopped before Run returns.
func (s *Session) Run(ctx context.Context) error {
	alarms := s.pipeline.AddAlarmWatcher()
	defer s.pipeline.RemoveAlarmWatcher(alarms)
	defer s.stopCamera()

	if s.autoStart {
		if err := s.startCamera(ctx); err != nil {
			return err
		}
	}

	display := time.NewTicker(s.displayInterval())
	defer display.Stop()
	statusTicker := time.NewTicker(s.config.StatusEvery.D())
	defer statusTicker.Stop()

	var metricsC <-chan time.Time
	if s.metrics != nil && s.config.Metrics.TextfilePath != "" {
		t := time.NewTicker(s.config.Metrics.Interval.D())
		defer t.Stop()
		metricsC = t.C
		defer s.writeMetrics()
	}

	for {
		// A nil channel is never selected, so there is no capture case while the camera is off
		var captureDone chan error
		if s.cam != nil && !s.cam.ended {
			captureDone = s.cam.done
		}

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.commands:
			s.handleCommand(ctx, cmd)
		case ev := <-alarms:
			s.logAlarm(ev)
		case err := <-captureDone:
			s.cameraEnded(err)
			if s.exitOnEOF && errors.Is(err, io.EOF) {
				s.drain(ctx)
				for _, ev := range gen.DrainChannelIntoSlice(alarms) {
					s.logAlarm(ev)
				}
				return nil
			}
		case now := <-display.C:
			s.display(now)
		case <-statusTicker.C:
			s.logStatus()
		case <-metricsC:
			s.writeMetrics()
		}
	}
}

func (s *Session) displayInterval() time.Duration {
	interval := maxDisplayDelay
	if s.config.TargetFPS > 0 {
		interval = min(interval, time.Duration(float64(time.Second)/s.config.TargetFPS))
	}
	return interval
}

func (s *Session) handleCommand(ctx context.Context, cmd Command) {
	switch cmd.Kind {
	case CommandClasses:
		s.pipeline.SetAlarmClasses(cmd.Classes)
	case CommandSound:
		if s.player == nil {
			s.Log.Warnf("There is no sound player")
			return
		}
		s.player.SetEnabled(cmd.Sound)
		s.Log.Infof("Alarm sound %v", onOff(cmd.Sound))
	case CommandStart:
		if s.cam != nil && !s.cam.ended {
			s.Log.Infof("Camera is already running")
			return
		}
		s.stopCamera()
		if err := s.startCamera(ctx); err != nil {
			s.Log.Errorf("%v", err)
		}
	case CommandStop:
		if s.cam == nil {
			s.Log.Infof("Camera is already stopped")
			return
		}
		s.stopCamera()
	case CommandStatus:
		s.logStatus()
	}
}

func (s *Session) startCamera(ctx context.Context) error {
	src, err := s.openCamera(ctx)
	if err != nil {
		s.setStatus(StatusCameraFailed)
		return fmt.Errorf("Error opening camera: %w", err)
	}
	if err := s.pipeline.Start(); err != nil && !errors.Is(err, pipeline.ErrAlreadyRunning) {
		src.Close()
		s.setStatus(StatusCameraFailed)
		return err
	}
	captureCtx, cancel := context.WithCancel(ctx)
	run := newCameraRun(src, cancel)
	s.cam = run
	s.lastShown = time.Time{}
	s.intervals = ringbuffer.NewRingP[time.Duration](fpsRingSize)
	if s.metrics != nil {
		s.metrics.CameraStarts.Add(1)
	}
	go s.capture(captureCtx, run)
	s.Log.Infof("Camera %v started (session %v)", src.Name(), run.id)
	s.setStatus(StatusRunning)
	return nil
}

// Stop the capture goroutine, close the camera, and stop the pipeline worker
func (s *Session) stopCamera() {
	run := s.cam
	if run == nil {
		return
	}
	s.cam = nil
	run.cancel()
	if err := run.src.Close(); err != nil {
		s.Log.Warnf("Error closing camera %v: %v", run.src.Name(), err)
	}
	if !run.ended {
		<-run.done
	}
	s.pipeline.Stop()
	s.Log.Infof("Camera %v stopped (session %v)", run.src.Name(), run.id)
	s.setStatus(StatusStopped)
}

// capture is the producer. It reads frames as fast as the camera delivers them, and
// hands them to the pipeline, which drops frames when the worker falls behind.
func (s *Session) capture(ctx context.Context, run *cameraRun) {
	for {
		frame, err := run.src.Next(ctx)
		if err == nil {
			run.readFailing.Store(false)
			run.recordRead(time.Now())
			if s.metrics != nil {
				s.metrics.FramesRead.Add(1)
			}
			s.pipeline.Submit(frame)
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, camera.ErrClosed) || ctx.Err() != nil {
			run.done <- err
			return
		}
		// A single bad frame does not end the stream
		run.readFailing.Store(true)
		if s.metrics != nil {
			s.metrics.ReadErrors.Add(1)
		}
		s.readLog.Errorf(time.Now(), "Error reading frame from %v: %v", run.src.Name(), err)
		select {
		case <-ctx.Done():
			run.done <- ctx.Err()
			return
		case <-time.After(readErrorBackoff):
		}
	}
}

func (s *Session) cameraEnded(err error) {
	s.cam.ended = true
	if errors.Is(err, io.EOF) {
		s.Log.Infof("Camera %v: end of stream", s.cam.src.Name())
	} else {
		s.Log.Warnf("Camera %v stopped: %v", s.cam.src.Name(), err)
	}
	s.setStatus(StatusCannotRead)
}

// Wait for the worker to finish the frames that are already queued, and display them
func (s *Session) drain(ctx context.Context) {
	deadline := time.Now().Add(drainTimeout)
	for s.pipeline.Stats().Pending() > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}
	s.display(time.Now())
}

// display consumes every result that is ready, and shows the latest one
func (s *Session) display(now time.Time) {
	var latest *image.RGBA
	for {
		r, ok := s.pipeline.Poll()
		if !ok {
			break
		}
		// Results that arrive together are superseded by the newest of them
		latest = r.Frame
	}
	if latest != nil {
		if s.metrics != nil {
			s.metrics.FramesShown.Add(1)
		}
		if !s.lastShown.IsZero() {
			s.intervals.Add(now.Sub(s.lastShown))
		}
		s.lastShown = now
		s.latestLock.Lock()
		s.latest = latest
		s.latestLock.Unlock()
		s.writePreview(now, latest)
	}
	s.updateStatus()
}

func (s *Session) updateStatus() {
	switch {
	case s.cam == nil:
		s.setStatus(StatusStopped)
	case s.cam.ended || s.cam.readFailing.Load():
		s.setStatus(StatusCannotRead)
	case s.pipeline.AlarmActive():
		s.setStatus(StatusIntrusion)
	default:
		s.setStatus(StatusRunning)
	}
}

// Transitions are logged once each
func (s *Session) setStatus(status Status) {
	s.statusLock.Lock()
	prev := s.status
	s.status = status
	s.statusLock.Unlock()
	if prev != status {
		s.Log.Infof("Status: %v", status)
	}
}

// Display frame rate over the most recent intervals
func (s *Session) fps() float64 {
	n := s.intervals.Len()
	first := max(0, n-fpsWindow)
	window := make([]time.Duration, 0, n-first)
	for i := first; i < n; i++ {
		window = append(window, s.intervals.Peek(i))
	}
	return camera.MeasureFPS(window)
}

func (s *Session) writePreview(now time.Time, img *image.RGBA) {
	p := &s.config.Preview
	if p.Path == "" || now.Sub(s.lastPreviewWrite) < p.Interval.D() {
		return
	}
	s.lastPreviewWrite = now
	if err := videox.WriteJPEGFile(p.Path, img, p.Quality); err != nil {
		s.Log.Errorf("Error writing preview %v: %v", p.Path, err)
	}
}

func (s *Session) writeMetrics() {
	if err := s.metrics.WriteTextfile(s.config.Metrics.TextfilePath); err != nil {
		s.Log.Errorf("Error writing metrics to %v: %v", s.config.Metrics.TextfilePath, err)
	}
}

func (s *Session) logAlarm(ev *pipeline.AlarmEvent) {
	seen := []string{}
	for _, det := range ev.Detections {
		if slices.Contains(ev.Classes, det.Class) {
			seen = append(seen, fmt.Sprintf("%v (%.2f)", nn.ClassName(det.Class), det.Confidence))
		}
	}
	s.Log.Warnf("Intrusion detected in frame %v: %v", ev.FrameID, strings.Join(seen, ", "))
}

func (s *Session) logStatus() {
	st := s.pipeline.Stats()
	sound := "none"
	if s.player != nil {
		sound = onOff(s.player.Enabled())
	}
	cameraFPS := "camera rate unknown"
	if s.cam != nil {
		if fps, ok := s.cam.nominalFPS(); ok {
			cameraFPS = fmt.Sprintf("camera %v FPS", fps)
		}
	}
	s.Log.Infof("%v. %.1f FPS (%v). Frames %v submitted, %v dropped, %v processed, %v errors. Detect %.1f ms. Alarms %v. Sound %v",
		s.Status(), s.fps(), cameraFPS, st.Submitted, st.InputDrops, st.Processed, st.Errors,
		float64(st.AvgDetectTime.Microseconds())/1000, st.AlarmsFired, sound)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
