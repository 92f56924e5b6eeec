// Package pipeline runs object detection on a background goroutine.
//
// The caller submits camera frames and polls for annotated results. Both queues are
// bounded, and neither Submit nor Poll ever block. When detection is slower than the
// camera, frames are dropped instead of building up latency.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/intruder/pkg/annotate"
	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/cyclopcam/intruder/pkg/roi"
	"github.com/cyclopcam/intruder/pkg/videox"
	"github.com/cyclopcam/intruder/server/alarm"
	"github.com/cyclopcam/intruder/server/log"
	"github.com/cyclopcam/logs"
)

var ErrAlreadyRunning = errors.New("Pipeline is already running")
var ErrNoDetector = errors.New("Pipeline has no object detector")
var ErrClosed = errors.New("Pipeline is closed")

// QueuePolicy decides what happens when a frame is submitted to a full input queue
type QueuePolicy string

const (
	DropNewest QueuePolicy = "drop-newest" // Discard the incoming frame
	DropOldest QueuePolicy = "drop-oldest" // Discard the oldest queued frame, and enqueue the incoming one
)

const DefaultQueueCapacity = 3
const DefaultPollTimeout = 100 * time.Millisecond

// Errors on the worker are logged at most this often
const errorLogInterval = 15 * time.Second

// AlarmSink is told to sound the alarm. Play must not block.
// alarm.Player is the usual implementation.
type AlarmSink interface {
	Play() bool
}

// Config for a Pipeline
type Config struct {
	Polygon         roi.Polygon
	Cooldown        time.Duration
	InputCapacity   int
	OutputCapacity  int
	Policy          QueuePolicy
	PollTimeout     time.Duration
	AlarmClasses    []int
	DetectionParams *nn.DetectionParams
	DrawOutline     bool
	Clock           func() time.Time // Used to evaluate the alarm cooldown. Defaults to time.Now.
}

func DefaultConfig() Config {
	return Config{
		Polygon:         append(roi.Polygon{}, roi.DefaultPolygon...),
		Cooldown:        alarm.DefaultCooldown,
		InputCapacity:   DefaultQueueCapacity,
		OutputCapacity:  DefaultQueueCapacity,
		Policy:          DropNewest,
		PollTimeout:     DefaultPollTimeout,
		AlarmClasses:    []int{nn.COCOPerson},
		DetectionParams: nn.NewDetectionParams(),
		DrawOutline:     true,
	}
}

func (c *Config) Validate() error {
	if err := c.Polygon.Validate(); err != nil {
		return err
	}
	if c.InputCapacity < 1 {
		return fmt.Errorf("Input queue capacity must be at least 1 (got %v)", c.InputCapacity)
	}
	if c.OutputCapacity < 1 {
		return fmt.Errorf("Output queue capacity must be at least 1 (got %v)", c.OutputCapacity)
	}
	if c.Policy != DropNewest && c.Policy != DropOldest {
		return fmt.Errorf("Unknown queue policy '%v'", c.Policy)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("Poll timeout must be positive (got %v)", c.PollTimeout)
	}
	return nil
}

// Result of processing one frame
type Result struct {
	Frame       *image.RGBA          // Masked, annotated and composited frame, ready for display
	SourceID    int64                // ID of the submitted frame
	SourcePTS   time.Time            // PTS of the submitted frame
	Detections  []nn.ObjectDetection // Everything that the detector found inside the region
	Triggered   []int                // Class ids of detections that belong to the alarm classes
	Fired       bool                 // True if this frame caused the alarm to fire
	AlarmActive bool                 // True while within the cooldown window of the last firing
}

// Stats are counters since the pipeline was created
type Stats struct {
	Running         bool
	Submitted       int64
	Accepted        int64
	InputDrops      int64
	OutputDrops     int64
	Processed       int64
	Errors          int64
	AlarmsFired     int64
	QueueLength     int
	AvgMaskTime     time.Duration
	AvgDetectTime   time.Duration
	AvgAnnotateTime time.Duration
}

// Pending is the number of accepted frames that the worker has not finished with.
// Every frame evicted by DropOldest is also counted in InputDrops.
func (s Stats) Pending() int64 {
	return s.Submitted - s.InputDrops - s.Processed - s.Errors
}

// Pipeline owns a single worker goroutine that performs masking, detection,
// annotation and alarm debouncing.
type Pipeline struct {
	Log logs.Log

	config    Config
	params    *nn.DetectionParams
	clock     func() time.Time
	loader    func() (nn.ObjectDetector, error)
	detector  nn.ObjectDetector
	sink      AlarmSink
	annotator *annotate.Annotator
	debouncer *alarm.Debouncer
	errLog    *log.RateLimited

	input        chan *videox.Frame
	output       chan Result
	alarmClasses atomic.Pointer[ClassSet]

	// Start/Stop
	lifecycleLock sync.Mutex
	running       bool
	closed        bool
	mustStop      atomic.Bool
	stop          chan struct{}
	stopped       chan struct{}

	// Owned by the worker
	maskCache *roi.Cache

	watchersLock  sync.RWMutex
	alarmWatchers []chan *AlarmEvent

	// Stats
	submitted     atomic.Int64
	accepted      atomic.Int64
	inputDrops    atomic.Int64
	outputDrops   atomic.Int64
	processed     atomic.Int64
	errors        atomic.Int64
	alarmsFired   atomic.Int64
	avgMaskNS     atomic.Int64
	avgDetectNS   atomic.Int64
	avgAnnotateNS atomic.Int64
}

// New creates a pipeline around an existing detector.
// The pipeline takes ownership of the detector, and closes it in Close().
// sink may be nil, in which case alarms are still reported, but nothing is played.
func New(logger logs.Log, config Config, detector nn.ObjectDetector, sink AlarmSink) (*Pipeline, error) {
	if detector == nil {
		return nil, ErrNoDetector
	}
	p, err := newPipeline(logger, config, sink)
	if err != nil {
		return nil, err
	}
	p.detector = detector
	return p, nil
}

// NewFromLoader creates a pipeline that loads its detector when it is first started.
// If the loader fails, Start returns the loader's error (typically an *nn.ModelError).
func NewFromLoader(logger logs.Log, config Config, loader func() (nn.ObjectDetector, error), sink AlarmSink) (*Pipeline, error) {
	if loader == nil {
		return nil, ErrNoDetector
	}
	p, err := newPipeline(logger, config, sink)
	if err != nil {
		return nil, err
	}
	p.loader = loader
	return p, nil
}

func newPipeline(logger logs.Log, config Config, sink AlarmSink) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	maskCache, err := roi.NewCache(config.Polygon)
	if err != nil {
		return nil, err
	}
	plog := log.NewPrefixLogger(logger, "Pipeline:")
	p := &Pipeline{
		Log:       plog,
		config:    config,
		params:    config.DetectionParams,
		clock:     config.Clock,
		sink:      sink,
		debouncer: alarm.NewDebouncer(config.Cooldown),
		errLog:    log.NewRateLimited(plog, errorLogInterval),
		input:     make(chan *videox.Frame, config.InputCapacity),
		output:    make(chan Result, config.OutputCapacity),
		maskCache: maskCache,
	}
	if p.params == nil {
		p.params = nn.NewDetectionParams()
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	p.alarmClasses.Store(NewClassSet(config.AlarmClasses))
	return p, nil
}

// Start launches the worker goroutine
func (p *Pipeline) Start() error {
	p.lifecycleLock.Lock()
	defer p.lifecycleLock.Unlock()
	if p.closed {
		return ErrClosed
	}
	if p.running {
		return ErrAlreadyRunning
	}
	if p.detector == nil {
		detector, err := p.loader()
		if err != nil {
			return err
		}
		if detector == nil {
			return ErrNoDetector
		}
		p.detector = detector
	}
	if p.annotator == nil {
		p.annotator = annotate.NewAnnotator(p.detector.Config())
	}
	p.mustStop.Store(false)
	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})
	p.running = true
	go p.worker(p.stop, p.stopped)
	p.Log.Infof("Started (input queue %v, output queue %v, %v)", cap(p.input), cap(p.output), p.config.Policy)
	return nil
}

// Stop signals the worker to exit, and waits for it to finish the frame that it is busy with.
// Stop may be called multiple times, and without Start.
func (p *Pipeline) Stop() {
	p.lifecycleLock.Lock()
	defer p.lifecycleLock.Unlock()
	if !p.running {
		return
	}
	p.mustStop.Store(true)
	close(p.stop)
	<-p.stopped
	p.running = false
	p.Log.Infof("Stopped")
}

// Close stops the worker, and releases the detector
func (p *Pipeline) Close() {
	p.Stop()
	p.lifecycleLock.Lock()
	defer p.lifecycleLock.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.detector != nil {
		p.detector.Close()
	}
}

func (p *Pipeline) IsRunning() bool {
	p.lifecycleLock.Lock()
	defer p.lifecycleLock.Unlock()
	return p.running
}

// Submit offers a frame to the worker, and never blocks.
// Returns true if the frame was queued. When the queue is full, the configured QueuePolicy
// decides which frame is lost.
// The pipeline only reads the frame's pixels, but the caller must not modify them after
// submitting the frame.
func (p *Pipeline) Submit(frame *videox.Frame) bool {
	if frame == nil || frame.Image == nil {
		return false
	}
	p.submitted.Add(1)
	for attempt := 0; attempt < 2; attempt++ {
		select {
		case p.input <- frame:
			p.accepted.Add(1)
			return true
		default:
		}
		if p.config.Policy != DropOldest {
			break
		}
		// Evict the oldest frame to make space
		select {
		case <-p.input:
			p.inputDrops.Add(1)
		default:
		}
	}
	p.inputDrops.Add(1)
	return false
}

// Poll returns the oldest available result, without blocking.
func (p *Pipeline) Poll() (Result, bool) {
	select {
	case r := <-p.output:
		return r, true
	default:
		return Result{}, false
	}
}

// SetAlarmClasses replaces the set of classes that trigger the alarm.
// The change applies from the next frame that the worker begins processing.
func (p *Pipeline) SetAlarmClasses(classes []int) {
	set := NewClassSet(classes)
	p.alarmClasses.Store(set)
	p.Log.Infof("Alarm classes: %v", classNames(set, p.modelConfig()))
}

// AlarmClasses returns the current alarm classes
func (p *Pipeline) AlarmClasses() []int {
	return p.alarmClasses.Load().IDs()
}

// Returns true while the alarm is within its cooldown window
func (p *Pipeline) AlarmActive() bool {
	return p.debouncer.Active(p.clock())
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Running:         p.IsRunning(),
		Submitted:       p.submitted.Load(),
		Accepted:        p.accepted.Load(),
		InputDrops:      p.inputDrops.Load(),
		OutputDrops:     p.outputDrops.Load(),
		Processed:       p.processed.Load(),
		Errors:          p.errors.Load(),
		AlarmsFired:     p.alarmsFired.Load(),
		QueueLength:     len(p.input),
		AvgMaskTime:     time.Duration(p.avgMaskNS.Load()),
		AvgDetectTime:   time.Duration(p.avgDetectNS.Load()),
		AvgAnnotateTime: time.Duration(p.avgAnnotateNS.Load()),
	}
}

func (p *Pipeline) modelConfig() *nn.ModelConfig {
	p.lifecycleLock.Lock()
	defer p.lifecycleLock.Unlock()
	if p.detector == nil {
		return nil
	}
	return p.detector.Config()
}

func classNames(set *ClassSet, model *nn.ModelConfig) []string {
	names := []string{}
	for _, id := range set.IDs() {
		names = append(names, model.ClassName(id))
	}
	return names
}
