package alarm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/logs"
)

const DefaultMaxInFlight = 1
const DefaultPlayTimeout = 30 * time.Second

// Backend plays a sound file. Play may block for the duration of the sound,
// and must return early when ctx is cancelled.
type Backend interface {
	Name() string
	Play(ctx context.Context, path string) error
}

// PlayerStats are counters of everything the player has done
type PlayerStats struct {
	Played   int64 // Playbacks that completed without error
	Failed   int64 // Playbacks that returned an error
	Busy     int64 // Cues skipped because all playback slots were in use
	Disabled int64 // Cues skipped because sound is disabled
}

// Player plays the alarm sound without ever blocking the caller.
// There is a fixed number of playback slots. If all of them are busy, the cue is dropped.
type Player struct {
	Log         logs.Log
	PlayTimeout time.Duration

	backend   Backend
	soundPath string
	slots     chan struct{}
	enabled   atomic.Bool
	closed    atomic.Bool
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	played   atomic.Int64
	failed   atomic.Int64
	busy     atomic.Int64
	disabled atomic.Int64
}

// Create a new Player. maxInFlight <= 0 uses DefaultMaxInFlight.
func NewPlayer(log logs.Log, backend Backend, soundPath string, maxInFlight int) *Player {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		Log:         log,
		PlayTimeout: DefaultPlayTimeout,
		backend:     backend,
		soundPath:   soundPath,
		slots:       make(chan struct{}, maxInFlight),
		ctx:         ctx,
		cancel:      cancel,
	}
	p.enabled.Store(true)
	return p
}

// Turn sound on or off. While disabled, cues are counted but not played.
func (p *Player) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

func (p *Player) Enabled() bool {
	return p.enabled.Load()
}

func (p *Player) SoundPath() string {
	return p.soundPath
}

// Play starts playback of the alarm sound in the background, and returns immediately.
// Returns true if playback was started.
func (p *Player) Play() bool {
	if p.closed.Load() {
		return false
	}
	if !p.enabled.Load() {
		p.disabled.Add(1)
		return false
	}
	select {
	case p.slots <- struct{}{}:
	default:
		p.busy.Add(1)
		p.Log.Debugf("Alarm sound is already playing, skipping cue")
		return false
	}

	p.wg.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.failed.Add(1)
				p.Log.Errorf("Alarm sound panic: %v", r)
			}
			<-p.slots
			p.wg.Done()
		}()
		timeout := p.PlayTimeout
		if timeout <= 0 {
			timeout = DefaultPlayTimeout
		}
		ctx, cancel := context.WithTimeout(p.ctx, timeout)
		defer cancel()
		if err := p.backend.Play(ctx, p.soundPath); err != nil {
			p.failed.Add(1)
			p.Log.Errorf("Failed to play alarm sound %v with %v: %v", p.soundPath, p.backend.Name(), err)
		} else {
			p.played.Add(1)
		}
	}()
	return true
}

func (p *Player) Stats() PlayerStats {
	return PlayerStats{
		Played:   p.played.Load(),
		Failed:   p.failed.Load(),
		Busy:     p.busy.Load(),
		Disabled: p.disabled.Load(),
	}
}

// Close cancels any sound that is playing, and waits for the playback goroutines to exit
func (p *Player) Close() {
	if p.closed.Swap(true) {
		return
	}
	p.cancel()
	p.wg.Wait()
}
