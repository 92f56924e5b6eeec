package alarm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/gopxl/beep/v2/wav"
)

// Names of the backends, as used in the config file
const (
	BackendBeep    = "beep"
	BackendCommand = "command"
	BackendNone    = "none"
)

var ErrUnknownBackend = errors.New("Unknown sound backend")

// NewBackend creates a backend by name. 'command' is only used by the command backend,
// and if it is empty, we pick a player that is normally present on this OS.
func NewBackend(name, command string) (Backend, error) {
	switch name {
	case BackendBeep, "":
		return NewBeepBackend(), nil
	case BackendCommand:
		return NewCommandBackend(command), nil
	case BackendNone:
		return &NullBackend{}, nil
	}
	return nil, fmt.Errorf("%w '%v'", ErrUnknownBackend, name)
}

// NullBackend plays nothing
type NullBackend struct{}

func (n *NullBackend) Name() string {
	return BackendNone
}

func (n *NullBackend) Play(ctx context.Context, path string) error {
	return nil
}

// CommandBackend plays sound by running an external program, such as aplay
type CommandBackend struct {
	Command string
	Args    []string // Arguments before the filename
}

func NewCommandBackend(command string) *CommandBackend {
	fields := strings.Fields(command)
	if len(fields) != 0 {
		return &CommandBackend{
			Command: fields[0],
			Args:    fields[1:],
		}
	}
	switch runtime.GOOS {
	case "darwin":
		return &CommandBackend{Command: "afplay"}
	case "windows":
		return &CommandBackend{
			Command: "powershell",
			Args:    []string{"-NoProfile", "-Command", "(New-Object Media.SoundPlayer $args[0]).PlaySync()"},
		}
	}
	return &CommandBackend{Command: "aplay"}
}

func (c *CommandBackend) Name() string {
	return c.Command
}

func (c *CommandBackend) Play(ctx context.Context, path string) error {
	args := append(append([]string{}, c.Args...), path)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%w: %v", err, msg)
		}
		return err
	}
	return nil
}

// BeepBackend decodes wav or mp3 files and plays them through the system audio device.
// Decoded sounds are cached, so the file is only read once.
type BeepBackend struct {
	lock        sync.Mutex
	initialized bool
	sampleRate  beep.SampleRate
	cache       map[string]*beep.Buffer
}

func NewBeepBackend() *BeepBackend {
	return &BeepBackend{
		cache: map[string]*beep.Buffer{},
	}
}

func (b *BeepBackend) Name() string {
	return BackendBeep
}

func decodeSound(path string) (beep.StreamSeekCloser, beep.Format, error) {
	var decode func(io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		decode = func(r io.ReadCloser) (beep.StreamSeekCloser, beep.Format, error) { return wav.Decode(r) }
	case ".mp3":
		decode = mp3.Decode
	default:
		return nil, beep.Format{}, fmt.Errorf("Unsupported sound file type '%v'", filepath.Ext(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, beep.Format{}, err
	}
	stream, format, err := decode(f)
	if err != nil {
		// The decoder only takes ownership of f when it succeeds
		f.Close()
		return nil, beep.Format{}, err
	}
	return stream, format, nil
}

// load returns the decoded sound, resampled to the speaker's rate
func (b *BeepBackend) load(path string) (*beep.Buffer, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if buf, ok := b.cache[path]; ok {
		return buf, nil
	}
	stream, format, err := decodeSound(path)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", path, err)
	}
	defer stream.Close()

	if !b.initialized {
		if err := speaker.Init(format.SampleRate, format.SampleRate.N(time.Second/10)); err != nil {
			return nil, fmt.Errorf("Error initializing speaker: %w", err)
		}
		b.initialized = true
		b.sampleRate = format.SampleRate
	}

	var src beep.Streamer = stream
	if format.SampleRate != b.sampleRate {
		src = beep.Resample(4, format.SampleRate, b.sampleRate, stream)
	}
	buf := beep.NewBuffer(beep.Format{SampleRate: b.sampleRate, NumChannels: format.NumChannels, Precision: format.Precision})
	buf.Append(src)
	b.cache[path] = buf
	return buf, nil
}

func (b *BeepBackend) Play(ctx context.Context, path string) error {
	buf, err := b.load(path)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	ctrl := &beep.Ctrl{
		Streamer: beep.Seq(buf.Streamer(0, buf.Len()), beep.Callback(func() {
			close(done)
		})),
	}
	speaker.Play(ctrl)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		speaker.Lock()
		ctrl.Streamer = nil
		speaker.Unlock()
		return ctx.Err()
	}
}
