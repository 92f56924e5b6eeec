package pipeline

import (
	"time"

	"github.com/cyclopcam/intruder/pkg/gen"
	"github.com/cyclopcam/intruder/pkg/nn"
)

// SYNC-WATCHER-CHANNEL-SIZE
const AlarmWatcherChannelSize = 20

// AlarmEvent is sent to alarm watchers each time the alarm fires
type AlarmEvent struct {
	Time       time.Time
	FrameID    int64
	FramePTS   time.Time
	Classes    []int
	Detections []nn.ObjectDetection
}

// Add a new agent that is going to watch for alarm triggers
func (p *Pipeline) AddAlarmWatcher() chan *AlarmEvent {
	p.watchersLock.Lock()
	defer p.watchersLock.Unlock()
	ch := make(chan *AlarmEvent, AlarmWatcherChannelSize)
	p.alarmWatchers = append(p.alarmWatchers, ch)
	return ch
}

// Unregister an alarm watcher
func (p *Pipeline) RemoveAlarmWatcher(ch chan *AlarmEvent) {
	p.watchersLock.Lock()
	defer p.watchersLock.Unlock()
	for i, wch := range p.alarmWatchers {
		if wch == ch {
			p.alarmWatchers = gen.DeleteFromSliceUnordered(p.alarmWatchers, i)
			return
		}
	}
	p.Log.Warnf("RemoveAlarmWatcher failed to find channel")
}

func (p *Pipeline) sendToAlarmWatchers(ev *AlarmEvent) {
	p.watchersLock.RLock()
	defer p.watchersLock.RUnlock()
	for _, ch := range p.alarmWatchers {
		// SYNC-WATCHER-CHANNEL-SIZE
		if len(ch) >= cap(ch)*9/10 {
			// A slow watcher must never stall the worker
			p.Log.Warnf("Alarm watcher is falling behind. Dropping alarm event for frame %v", ev.FrameID)
		} else {
			ch <- ev
		}
	}
}
