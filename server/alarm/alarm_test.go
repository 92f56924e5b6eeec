package alarm

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

var person = []int{0}

func TestDebouncerScenario(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	d := NewDebouncer(5 * time.Second)
	_, ok := d.LastFire()
	require.False(t, ok)
	require.False(t, d.Active(t0))

	require.True(t, d.ShouldFire(t0, person))
	require.True(t, d.Active(t0.Add(time.Second)))
	require.False(t, d.ShouldFire(t0.Add(3*time.Second), person))
	require.False(t, d.Active(t0.Add(5*time.Second)))
	require.True(t, d.ShouldFire(t0.Add(6*time.Second), person))
	last, ok := d.LastFire()
	require.True(t, ok)
	require.True(t, last.Equal(t0.Add(6*time.Second)))
}

func TestDebouncerFireAtEpoch(t *testing.T) {
	epoch := time.Unix(0, 0)
	d := NewDebouncer(5 * time.Second)
	require.True(t, d.ShouldFire(epoch, person))
	last, ok := d.LastFire()
	require.True(t, ok)
	require.True(t, last.Equal(epoch))
	require.True(t, d.Active(epoch.Add(time.Second)))
	require.False(t, d.ShouldFire(epoch.Add(time.Second), person))
}

func TestDebouncerCooldownProperty(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	for _, cooldown := range []time.Duration{time.Millisecond, time.Second, 5 * time.Second, time.Minute} {
		for _, gap := range []time.Duration{0, time.Millisecond / 2, time.Second, 3 * time.Second, 5 * time.Second, 6 * time.Second, 2 * time.Minute} {
			d := NewDebouncer(cooldown)
			require.True(t, d.ShouldFire(t0, person))
			require.Equal(t, gap >= cooldown, d.ShouldFire(t0.Add(gap), person), "cooldown %v, gap %v", cooldown, gap)
		}
	}
}

func TestDebouncerIgnoresEmpty(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	d := NewDebouncer(0)
	require.Equal(t, DefaultCooldown, d.Cooldown())
	require.False(t, d.ShouldFire(t0, nil))
	require.False(t, d.ShouldFire(t0, []int{}))
	// A suppressed trigger is not remembered
	require.True(t, d.ShouldFire(t0.Add(time.Second), person))
	require.False(t, d.ShouldFire(t0.Add(2*time.Second), person))
	require.False(t, d.ShouldFire(t0.Add(7*time.Second), nil))
	require.True(t, d.ShouldFire(t0.Add(8*time.Second), person))
}

type blockingBackend struct {
	release chan struct{}
	started chan struct{}
	plays   atomic.Int64
	err     error
}

func newBlockingBackend() *blockingBackend {
	return &blockingBackend{
		release: make(chan struct{}),
		started: make(chan struct{}, 10),
	}
}

func (b *blockingBackend) Name() string { return "blocking" }

func (b *blockingBackend) Play(ctx context.Context, path string) error {
	b.plays.Add(1)
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.err
}

func TestPlayerNeverBlocks(t *testing.T) {
	backend := newBlockingBackend()
	p := NewPlayer(logs.NewTestingLog(t), backend, "alarm.wav", 1)

	start := time.Now()
	require.True(t, p.Play())
	<-backend.started
	// The only slot is busy, so these are skipped
	require.False(t, p.Play())
	require.False(t, p.Play())
	require.Less(t, time.Since(start), time.Second)

	close(backend.release)
	require.Eventually(t, func() bool { return p.Stats().Played == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, PlayerStats{Played: 1, Busy: 2}, p.Stats())
	p.Close()
	require.False(t, p.Play())
}

func TestPlayerDisabled(t *testing.T) {
	backend := newBlockingBackend()
	close(backend.release)
	p := NewPlayer(logs.NewTestingLog(t), backend, "alarm.wav", 2)
	defer p.Close()
	p.SetEnabled(false)
	require.False(t, p.Enabled())
	require.False(t, p.Play())
	require.EqualValues(t, 1, p.Stats().Disabled)
	require.EqualValues(t, 0, backend.plays.Load())

	p.SetEnabled(true)
	require.True(t, p.Play())
	require.Eventually(t, func() bool { return p.Stats().Played == 1 }, 5*time.Second, 5*time.Millisecond)
}

func TestPlayerErrorsAreCounted(t *testing.T) {
	backend := newBlockingBackend()
	backend.err = errors.New("no audio device")
	close(backend.release)
	p := NewPlayer(logs.NewTestingLog(t), backend, "alarm.wav", 1)
	require.True(t, p.Play())
	require.Eventually(t, func() bool { return p.Stats().Failed == 1 }, 5*time.Second, 5*time.Millisecond)
	p.Close()
}

func TestPlayerCloseCancelsPlayback(t *testing.T) {
	backend := newBlockingBackend()
	p := NewPlayer(logs.NewTestingLog(t), backend, "alarm.wav", 1)
	require.True(t, p.Play())
	<-backend.started
	p.Close()
	require.EqualValues(t, 1, p.Stats().Failed)
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(BackendNone, "")
	require.NoError(t, err)
	require.NoError(t, b.Play(context.Background(), "x.wav"))
	b, err = NewBackend(BackendCommand, "paplay --volume 30000")
	require.NoError(t, err)
	require.Equal(t, "paplay", b.Name())
	require.Equal(t, []string{"--volume", "30000"}, b.(*CommandBackend).Args)
	_, err = NewBackend("trumpet", "")
	require.True(t, errors.Is(err, ErrUnknownBackend))

	// A blank command picks the OS default player
	require.Equal(t, NewCommandBackend("").Command, NewCommandBackend("   ").Command)
	require.NotEmpty(t, NewCommandBackend(" \t ").Command)
}

func TestCommandBackend(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("'true' not available")
	}
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("'false' not available")
	}
	require.NoError(t, NewCommandBackend("true").Play(context.Background(), "alarm.wav"))
	require.Error(t, NewCommandBackend("false").Play(context.Background(), "alarm.wav"))
}

func TestBeepBackendBadFile(t *testing.T) {
	b := NewBeepBackend()
	require.Error(t, b.Play(context.Background(), "alarm.ogg"))
	require.Error(t, b.Play(context.Background(), t.TempDir()+"/missing.wav"))
}

func openFiles(t *testing.T) int {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("/proc/self/fd not available")
	}
	return len(entries)
}

func TestDecodeFailureClosesFile(t *testing.T) {
	dir := t.TempDir()
	wavFile := filepath.Join(dir, "corrupt.wav")
	mp3File := filepath.Join(dir, "corrupt.mp3")
	require.NoError(t, os.WriteFile(wavFile, []byte("this is not a wav file"), 0644))
	require.NoError(t, os.WriteFile(mp3File, []byte("nor is this an mp3"), 0644))

	before := openFiles(t)
	for i := 0; i < 20; i++ {
		_, _, err := decodeSound(wavFile)
		require.Error(t, err)
		_, _, err = decodeSound(mp3File)
		require.Error(t, err)
	}
	require.Less(t, openFiles(t), before+5)
}
