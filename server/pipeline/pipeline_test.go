package pipeline

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/cyclopcam/intruder/pkg/roi"
	"github.com/cyclopcam/intruder/pkg/videox"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

// fakeDetector returns a fixed set of detections, and can be made to block
type fakeDetector struct {
	config  nn.ModelConfig
	objects []nn.ObjectDetection
	gate    chan struct{} // If not nil, DetectObjects waits for this to be closed (or receive)
	entered chan int      // Receives the image width every time DetectObjects is entered
	fail    func(img *image.RGBA) error

	lock     sync.Mutex
	lastSeen *image.RGBA
	closed   atomic.Bool
}

func newFakeDetector(objects ...nn.ObjectDetection) *fakeDetector {
	return &fakeDetector{
		config: nn.ModelConfig{
			Architecture: "yolov8",
			Width:        640,
			Height:       640,
			Classes:      nn.COCOClasses,
		},
		objects: objects,
		entered: make(chan int, 100),
	}
}

func (f *fakeDetector) Close() {
	f.closed.Store(true)
}

func (f *fakeDetector) Config() *nn.ModelConfig {
	return &f.config
}

func (f *fakeDetector) DetectObjects(img *image.RGBA, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	f.lock.Lock()
	f.lastSeen = img
	f.lock.Unlock()
	f.entered <- img.Rect.Dx()
	if f.gate != nil {
		<-f.gate
	}
	if f.fail != nil {
		if err := f.fail(img); err != nil {
			return nil, err
		}
	}
	return append([]nn.ObjectDetection{}, f.objects...), nil
}

func (f *fakeDetector) seen() *image.RGBA {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.lastSeen
}

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = t
}

type countingSink struct {
	plays atomic.Int64
}

func (s *countingSink) Play() bool {
	s.plays.Add(1)
	return true
}

func makeFrame(id int64, width, height int) *videox.Frame {
	f := videox.NewFrame(id, width, height, time.Unix(1700000000, 0).Add(time.Duration(id)*time.Second/30))
	seed := uint32(id*7919 + 1)
	for i := range f.Image.Pix {
		seed = seed*1664525 + 1013904223
		f.Image.Pix[i] = byte(seed>>24) | 1
	}
	return f
}

func person(x, y float32) nn.ObjectDetection {
	return nn.ObjectDetection{Class: nn.COCOPerson, Confidence: 0.9, Box: nn.Rect{X: x, Y: y, Width: 40, Height: 90}}
}

func car(x, y float32) nn.ObjectDetection {
	return nn.ObjectDetection{Class: nn.COCOCar, Confidence: 0.8, Box: nn.Rect{X: x, Y: y, Width: 90, Height: 40}}
}

func waitResult(t *testing.T, p *Pipeline) Result {
	var result Result
	require.Eventually(t, func() bool {
		var ok bool
		result, ok = p.Poll()
		return ok
	}, 5*time.Second, time.Millisecond)
	return result
}

func newTestPipeline(t *testing.T, config Config, detector *fakeDetector, sink AlarmSink) *Pipeline {
	p, err := New(logs.NewTestingLog(t), config, detector, sink)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestCooldownScenario(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	t0 := clock.Now()
	config := DefaultConfig()
	config.Clock = clock.Now
	detector := newFakeDetector(person(100, 100))
	sink := &countingSink{}
	p := newTestPipeline(t, config, detector, sink)
	require.Equal(t, []int{0}, p.AlarmClasses())
	require.NoError(t, p.Start())

	require.True(t, p.Submit(makeFrame(1, 680, 480)))
	r := waitResult(t, p)
	require.EqualValues(t, 1, r.SourceID)
	require.Equal(t, []int{nn.COCOPerson}, r.Triggered)
	require.True(t, r.Fired)
	require.True(t, r.AlarmActive)

	clock.Set(t0.Add(3 * time.Second))
	require.True(t, p.Submit(makeFrame(2, 680, 480)))
	r = waitResult(t, p)
	require.Equal(t, []int{nn.COCOPerson}, r.Triggered)
	require.False(t, r.Fired)
	require.True(t, r.AlarmActive)

	clock.Set(t0.Add(6 * time.Second))
	require.True(t, p.Submit(makeFrame(3, 680, 480)))
	r = waitResult(t, p)
	require.True(t, r.Fired)

	require.EqualValues(t, 2, sink.plays.Load())
	require.Eventually(t, func() bool { return p.Stats().Processed == 3 }, 5*time.Second, time.Millisecond)
	stats := p.Stats()
	require.EqualValues(t, 2, stats.AlarmsFired)
	require.EqualValues(t, 0, stats.Errors)
	require.True(t, stats.Running)
}

func TestSubmitWhileWorkerBlocked(t *testing.T) {
	config := DefaultConfig()
	config.OutputCapacity = 10
	detector := newFakeDetector()
	detector.gate = make(chan struct{})
	p := newTestPipeline(t, config, detector, nil)
	require.NoError(t, p.Start())

	// The worker picks up frame 0 and blocks inside the detector
	require.True(t, p.Submit(makeFrame(0, 64, 48)))
	<-detector.entered

	start := time.Now()
	accepted := []bool{}
	for i := int64(1); i <= 5; i++ {
		accepted = append(accepted, p.Submit(makeFrame(i, 64, 48)))
		require.LessOrEqual(t, p.Stats().QueueLength, 3)
	}
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, []bool{true, true, true, false, false}, accepted)

	close(detector.gate)
	ids := []int64{}
	for len(ids) < 4 {
		ids = append(ids, waitResult(t, p).SourceID)
	}
	require.Equal(t, []int64{0, 1, 2, 3}, ids)
	_, ok := p.Poll()
	require.False(t, ok)

	stats := p.Stats()
	require.EqualValues(t, 6, stats.Submitted)
	require.EqualValues(t, 4, stats.Accepted)
	require.EqualValues(t, 2, stats.InputDrops)
}

func TestSubmitBeforeStart(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig(), newFakeDetector(), nil)
	for i := int64(1); i <= 5; i++ {
		p.Submit(makeFrame(i, 64, 48))
	}
	require.Equal(t, 3, p.Stats().QueueLength)
	require.NoError(t, p.Start())
	ids := []int64{}
	for len(ids) < 3 {
		ids = append(ids, waitResult(t, p).SourceID)
	}
	require.Equal(t, []int64{1, 2, 3}, ids)
}

func TestDropOldest(t *testing.T) {
	config := DefaultConfig()
	config.Policy = DropOldest
	p := newTestPipeline(t, config, newFakeDetector(), nil)
	for i := int64(1); i <= 5; i++ {
		require.True(t, p.Submit(makeFrame(i, 64, 48)))
		require.LessOrEqual(t, p.Stats().QueueLength, 3)
	}
	require.NoError(t, p.Start())
	ids := []int64{}
	for len(ids) < 3 {
		ids = append(ids, waitResult(t, p).SourceID)
	}
	require.Equal(t, []int64{3, 4, 5}, ids)
	require.EqualValues(t, 2, p.Stats().InputDrops)
}

func TestOutputDrops(t *testing.T) {
	config := DefaultConfig()
	config.OutputCapacity = 1
	p := newTestPipeline(t, config, newFakeDetector(), nil)
	require.NoError(t, p.Start())
	for i := int64(1); i <= 3; i++ {
		require.True(t, p.Submit(makeFrame(i, 64, 48)))
		require.Eventually(t, func() bool { return p.Stats().Processed == i }, 5*time.Second, time.Millisecond)
	}
	// Only the oldest result was kept
	r := waitResult(t, p)
	require.EqualValues(t, 1, r.SourceID)
	require.EqualValues(t, 2, p.Stats().OutputDrops)
}

func TestPollEmpty(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig(), newFakeDetector(), nil)
	start := time.Now()
	_, ok := p.Poll()
	require.False(t, ok)
	require.NoError(t, p.Start())
	_, ok = p.Poll()
	require.False(t, ok)
	require.Less(t, time.Since(start), time.Second)
}

func TestAlarmClassChangeAffectsNextFrame(t *testing.T) {
	detector := newFakeDetector(car(20, 20), person(100, 100))
	detector.gate = make(chan struct{}, 10)
	p := newTestPipeline(t, DefaultConfig(), detector, nil)
	require.NoError(t, p.Start())

	require.True(t, p.Submit(makeFrame(1, 680, 480)))
	// Frame 1 has taken its snapshot of the alarm classes by the time it reaches the detector
	<-detector.entered
	p.SetAlarmClasses([]int{nn.COCOCar, -1, nn.COCOCar})
	require.Equal(t, []int{nn.COCOCar}, p.AlarmClasses())
	detector.gate <- struct{}{}
	r := waitResult(t, p)
	require.Equal(t, []int{nn.COCOPerson}, r.Triggered)

	require.True(t, p.Submit(makeFrame(2, 680, 480)))
	detector.gate <- struct{}{}
	r = waitResult(t, p)
	require.Equal(t, []int{nn.COCOCar}, r.Triggered)

	p.SetAlarmClasses(nil)
	require.True(t, p.Submit(makeFrame(3, 680, 480)))
	detector.gate <- struct{}{}
	r = waitResult(t, p)
	require.Equal(t, []int{}, r.Triggered)
	require.Equal(t, 2, len(r.Detections))
}

func TestMaskAppliedBeforeDetection(t *testing.T) {
	detector := newFakeDetector()
	p := newTestPipeline(t, DefaultConfig(), detector, nil)
	require.NoError(t, p.Start())

	frame := makeFrame(1, 680, 480)
	orig := append([]byte{}, frame.Image.Pix...)
	require.True(t, p.Submit(frame))
	r := waitResult(t, p)

	mask, err := roi.BuildMask(680, 480, roi.DefaultPolygon)
	require.NoError(t, err)
	seen := detector.seen()
	for _, pt := range []image.Point{{200, 200}, {6, 4}, {374, 475}, {500, 200}, {2, 2}, {679, 479}} {
		off := seen.PixOffset(pt.X, pt.Y)
		if mask.Contains(pt.X, pt.Y) {
			require.Equal(t, orig[off:off+4], seen.Pix[off:off+4])
		} else {
			require.Equal(t, []byte{0, 0, 0, 0}, seen.Pix[off:off+4])
			// Outside the region, the displayed frame is the original camera frame
			require.Equal(t, orig[off:off+4], r.Frame.Pix[off:off+4])
		}
	}
	// The caller's frame is never modified
	require.Equal(t, orig, frame.Image.Pix)
	require.NotSame(t, frame.Image, r.Frame)
}

func TestFrameSizeChange(t *testing.T) {
	detector := newFakeDetector()
	p := newTestPipeline(t, DefaultConfig(), detector, nil)
	require.NoError(t, p.Start())
	require.True(t, p.Submit(makeFrame(1, 680, 480)))
	require.Equal(t, 680, waitResult(t, p).Frame.Rect.Dx())
	require.True(t, p.Submit(makeFrame(2, 320, 240)))
	r := waitResult(t, p)
	require.Equal(t, 320, r.Frame.Rect.Dx())
	require.Equal(t, 320, detector.seen().Rect.Dx())
	require.EqualValues(t, 0, p.Stats().Errors)
}

func TestDetectorErrorsDoNotStopWorker(t *testing.T) {
	detector := newFakeDetector(person(100, 100))
	detector.fail = func(img *image.RGBA) error {
		switch img.Rect.Dx() {
		case 100:
			return errors.New("inference failed")
		case 101:
			panic("boom")
		}
		return nil
	}
	p := newTestPipeline(t, DefaultConfig(), detector, nil)
	require.NoError(t, p.Start())

	require.True(t, p.Submit(makeFrame(1, 100, 100)))
	require.Eventually(t, func() bool { return p.Stats().Errors == 1 }, 5*time.Second, time.Millisecond)
	require.True(t, p.Submit(makeFrame(2, 101, 100)))
	require.Eventually(t, func() bool { return p.Stats().Errors == 2 }, 5*time.Second, time.Millisecond)

	require.True(t, p.Submit(makeFrame(3, 680, 480)))
	r := waitResult(t, p)
	require.EqualValues(t, 3, r.SourceID)
	require.True(t, r.Fired)
	require.True(t, p.IsRunning())
}

func TestStartStop(t *testing.T) {
	detector := newFakeDetector()
	p, err := New(logs.NewTestingLog(t), DefaultConfig(), detector, nil)
	require.NoError(t, err)

	// Stop without Start is harmless
	p.Stop()
	require.NoError(t, p.Start())
	require.True(t, errors.Is(p.Start(), ErrAlreadyRunning))
	p.Stop()
	p.Stop()
	require.False(t, p.IsRunning())

	// Restart
	require.NoError(t, p.Start())
	require.True(t, p.Submit(makeFrame(1, 64, 48)))
	waitResult(t, p)

	p.Close()
	p.Close()
	require.True(t, detector.closed.Load())
	require.True(t, errors.Is(p.Start(), ErrClosed))
}

func TestStopIsPrompt(t *testing.T) {
	config := DefaultConfig()
	config.PollTimeout = time.Hour
	p := newTestPipeline(t, config, newFakeDetector(), nil)
	require.NoError(t, p.Start())
	start := time.Now()
	p.Stop()
	require.Less(t, time.Since(start), time.Second)
}

func TestStopFinishesCurrentFrame(t *testing.T) {
	detector := newFakeDetector(person(100, 100))
	detector.gate = make(chan struct{})
	p := newTestPipeline(t, DefaultConfig(), detector, nil)
	require.NoError(t, p.Start())
	require.True(t, p.Submit(makeFrame(7, 680, 480)))
	<-detector.entered

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while the worker was still inside the detector")
	case <-time.After(100 * time.Millisecond):
	}

	close(detector.gate)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the frame finished")
	}
	require.False(t, p.IsRunning())

	r, ok := p.Poll()
	require.True(t, ok)
	require.EqualValues(t, 7, r.SourceID)
	require.Equal(t, []int{nn.COCOPerson}, r.Triggered)
	require.EqualValues(t, 1, p.Stats().Processed)
}

func TestLoaderFailure(t *testing.T) {
	loader := func() (nn.ObjectDetector, error) {
		return nil, &nn.ModelError{Path: "models/missing.onnx", Err: errors.New("file not found")}
	}
	p, err := NewFromLoader(logs.NewTestingLog(t), DefaultConfig(), loader, nil)
	require.NoError(t, err)
	err = p.Start()
	var modelErr *nn.ModelError
	require.True(t, errors.As(err, &modelErr))
	require.Equal(t, "models/missing.onnx", modelErr.Path)
	require.False(t, p.IsRunning())
	p.Close()

	detector := newFakeDetector()
	p, err = NewFromLoader(logs.NewTestingLog(t), DefaultConfig(), func() (nn.ObjectDetector, error) { return detector, nil }, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	p.Close()
	require.True(t, detector.closed.Load())
}

func TestInvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.Polygon = roi.Polygon{{0, 0}, {1, 1}}
	_, err := New(logs.NewTestingLog(t), config, newFakeDetector(), nil)
	require.True(t, errors.Is(err, roi.ErrInvalidPolygon))

	config = DefaultConfig()
	config.InputCapacity = 0
	_, err = New(logs.NewTestingLog(t), config, newFakeDetector(), nil)
	require.Error(t, err)

	config = DefaultConfig()
	config.Policy = "drop-random"
	_, err = New(logs.NewTestingLog(t), config, newFakeDetector(), nil)
	require.Error(t, err)

	_, err = New(logs.NewTestingLog(t), DefaultConfig(), nil, nil)
	require.True(t, errors.Is(err, ErrNoDetector))
}

func TestAlarmWatchers(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig(), newFakeDetector(person(100, 100)), nil)
	ch := p.AddAlarmWatcher()
	require.NoError(t, p.Start())
	require.True(t, p.Submit(makeFrame(7, 680, 480)))
	select {
	case ev := <-ch:
		require.EqualValues(t, 7, ev.FrameID)
		require.Equal(t, []int{nn.COCOPerson}, ev.Classes)
	case <-time.After(5 * time.Second):
		require.Fail(t, "No alarm event")
	}
	p.RemoveAlarmWatcher(ch)
	p.RemoveAlarmWatcher(ch)
}

func TestClassSet(t *testing.T) {
	s := NewClassSet([]int{5, 0, 5, -3})
	require.Equal(t, []int{0, 5}, s.IDs())
	require.True(t, s.Contains(5))
	require.False(t, s.Contains(-3))
	require.Equal(t, 2, s.Len())
	var empty *ClassSet
	require.False(t, empty.Contains(0))
	require.Equal(t, []int{}, empty.IDs())
}
