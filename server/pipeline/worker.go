package pipeline

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cyclopcam/intruder/pkg/perfstats"
	"github.com/cyclopcam/intruder/pkg/roi"
	"github.com/cyclopcam/intruder/pkg/videox"
)

// The worker is the only goroutine that touches the detector, the annotator,
// the mask cache and the debouncer, so none of them need locks.
func (p *Pipeline) worker(stop, stopped chan struct{}) {
	defer close(stopped)

	timer := time.NewTimer(p.config.PollTimeout)
	defer timer.Stop()

	for !p.mustStop.Load() {
		timer.Reset(p.config.PollTimeout)
		select {
		case <-stop:
			return
		case <-timer.C:
			// Nothing arrived within the poll timeout. Go around again, so that we notice mustStop.
			continue
		case frame := <-p.input:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			p.handleFrame(frame)
		}
	}
}

func (p *Pipeline) handleFrame(frame *videox.Frame) {
	result, err := p.processFrame(frame)
	if err != nil {
		p.errors.Add(1)
		p.errLog.Errorf(time.Now(), "Error processing frame %v: %v", frame.ID, err)
		return
	}
	select {
	case p.output <- result:
	default:
		p.outputDrops.Add(1)
		p.Log.Debugf("Result queue is full, dropping result for frame %v", frame.ID)
	}
	p.processed.Add(1)
}

// processFrame runs the entire detection pass on one frame.
// A panic anywhere in here is converted into an error, so that one bad frame
// cannot bring down the worker.
func (p *Pipeline) processFrame(frame *videox.Frame) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Panic: %v\n%s", r, debug.Stack())
		}
	}()

	// One snapshot per frame. A concurrent SetAlarmClasses affects the next frame.
	classes := p.alarmClasses.Load()

	img := frame.Image
	width, height := img.Rect.Dx(), img.Rect.Dy()

	start := time.Now()
	mask, err := p.maskCache.Get(width, height)
	if err != nil {
		return Result{}, err
	}
	masked, err := mask.Apply(img)
	if err != nil {
		return Result{}, err
	}
	perfstats.UpdateMovingAverage(&p.avgMaskNS, time.Since(start).Nanoseconds())

	start = time.Now()
	detections, err := p.detector.DetectObjects(masked, p.params)
	if err != nil {
		return Result{}, fmt.Errorf("Object detection failed: %w", err)
	}
	perfstats.UpdateMovingAverage(&p.avgDetectNS, time.Since(start).Nanoseconds())

	// Boxes are drawn onto the detector's view of the region, and then the region
	// is composited back over the original frame. This clips the boxes to the region.
	start = time.Now()
	annotated, triggered := p.annotator.Annotate(masked, detections, classes)
	display, err := mask.Composite(annotated, img)
	if err != nil {
		return Result{}, err
	}
	if p.config.DrawOutline {
		roi.DrawOutline(display, p.maskCache.Polygon())
	}
	perfstats.UpdateMovingAverage(&p.avgAnnotateNS, time.Since(start).Nanoseconds())

	now := p.clock()
	fired := p.debouncer.ShouldFire(now, triggered)
	if fired {
		p.alarmsFired.Add(1)
		p.Log.Infof("Alarm fired by frame %v: %v", frame.ID, classNames(NewClassSet(triggered), p.detector.Config()))
		if p.sink != nil {
			p.sink.Play()
		}
		p.sendToAlarmWatchers(&AlarmEvent{
			Time:       now,
			FrameID:    frame.ID,
			FramePTS:   frame.PTS,
			Classes:    triggered,
			Detections: detections,
		})
	}

	return Result{
		Frame:       display,
		SourceID:    frame.ID,
		SourcePTS:   frame.PTS,
		Detections:  detections,
		Triggered:   triggered,
		Fired:       fired,
		AlarmActive: p.debouncer.Active(now),
	}, nil
}
