package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/cyclopcam/intruder/pkg/roi"
	"github.com/cyclopcam/intruder/server/alarm"
	"github.com/cyclopcam/intruder/server/pipeline"
)

const DefaultFilename = "intruder.json"

// Duration is a time.Duration that is written to JSON as a string such as "5s".
// When reading, a plain number is interpreted as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case float64:
		*d = Duration(x * float64(time.Second))
	case string:
		if secs, err := strconv.ParseFloat(x, 64); err == nil {
			*d = Duration(secs * float64(time.Second))
			return nil
		}
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("Invalid duration '%v': %w", x, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("Invalid duration %v", string(b))
	}
	return nil
}

func (d Duration) D() time.Duration {
	return time.Duration(d)
}

type Camera struct {
	Device      string  `json:"device"`      // eg /dev/video0, or any ffmpeg input such as rtsp://... or a file
	InputFormat string  `json:"inputFormat"` // ffmpeg input format, eg "v4l2". Blank lets ffmpeg decide.
	Width       int     `json:"width"`       // Frame width requested from the camera
	Height      int     `json:"height"`      // Frame height requested from the camera
	FPS         float64 `json:"fps"`         // Frame rate requested from the camera
	ImageDir    string  `json:"imageDir"`    // If set, read a sequence of JPEG/PNG images from this directory instead of a camera
	Loop        bool    `json:"loop"`        // Loop the image directory forever
}

type Region struct {
	Polygon     []roi.Point `json:"polygon"`     // Normalized coordinates, in [0,1]
	DrawOutline bool        `json:"drawOutline"` // Draw the region outline onto the displayed frame
}

type Queue struct {
	InputCapacity  int                  `json:"inputCapacity"`
	OutputCapacity int                  `json:"outputCapacity"`
	Policy         pipeline.QueuePolicy `json:"policy"` // "drop-newest" or "drop-oldest"
	PollTimeout    Duration             `json:"pollTimeout"`
}

type Sound struct {
	Path        string   `json:"path"`        // wav or mp3
	Enabled     bool     `json:"enabled"`     // Play the sound when the alarm fires
	Backend     string   `json:"backend"`     // "beep", "command", or "none"
	Command     string   `json:"command"`     // Player for the "command" backend, eg "aplay" or "paplay"
	MaxInFlight int      `json:"maxInFlight"` // Maximum number of simultaneous playbacks
	Timeout     Duration `json:"timeout"`     // Longest that a single playback may run
}

type Model struct {
	Path                 string  `json:"path"`                 // ONNX file
	Width                int     `json:"width"`                // Zero to use the model's config
	Height               int     `json:"height"`               // Zero to use the model's config
	ClassFile            string  `json:"classFile"`            // Optional class names, one per line
	OnnxRuntimeLibrary   string  `json:"onnxRuntimeLibrary"`   // Path to libonnxruntime
	Threads              int     `json:"threads"`              // Zero for all CPUs
	ProbabilityThreshold float32 `json:"probabilityThreshold"` // Minimum confidence of a detection
	NmsIouThreshold      float32 `json:"nmsIouThreshold"`      // IoU above which overlapping boxes are merged
}

type Preview struct {
	Path     string   `json:"path"`     // JPEG file that is overwritten with the latest displayed frame. Blank to disable.
	Interval Duration `json:"interval"` // How often to write the preview
	Quality  int      `json:"quality"`  // JPEG quality
}

type Metrics struct {
	TextfilePath string   `json:"textfilePath"` // Prometheus textfile collector output. Blank to disable.
	Interval     Duration `json:"interval"`     // How often to write the textfile
}

type Config struct {
	Camera       Camera   `json:"camera"`
	Region       Region   `json:"region"`
	Cooldown     Duration `json:"cooldown"`     // Minimum time between alarms
	AlarmClasses []int    `json:"alarmClasses"` // Class ids that trigger the alarm
	Queue        Queue    `json:"queue"`
	Sound        Sound    `json:"sound"`
	Model        Model    `json:"model"`
	Preview      Preview  `json:"preview"`
	Metrics      Metrics  `json:"metrics"`
	TargetFPS    float64  `json:"targetFPS"`   // Display loop rate
	StatusEvery  Duration `json:"statusEvery"` // How often to log FPS and pipeline stats
}

func Default() *Config {
	poly := make([]roi.Point, len(roi.DefaultPolygon))
	copy(poly, roi.DefaultPolygon)
	return &Config{
		Camera: Camera{
			Device:      "/dev/video0",
			InputFormat: "v4l2",
			Width:       680,
			Height:      480,
			FPS:         30,
		},
		Region: Region{
			Polygon:     poly,
			DrawOutline: true,
		},
		Cooldown:     Duration(alarm.DefaultCooldown),
		AlarmClasses: []int{nn.COCOPerson},
		Queue: Queue{
			InputCapacity:  pipeline.DefaultQueueCapacity,
			OutputCapacity: pipeline.DefaultQueueCapacity,
			Policy:         pipeline.DropNewest,
			PollTimeout:    Duration(pipeline.DefaultPollTimeout),
		},
		Sound: Sound{
			Path:        "alarm.wav",
			Enabled:     true,
			Backend:     alarm.BackendBeep,
			MaxInFlight: alarm.DefaultMaxInFlight,
			Timeout:     Duration(alarm.DefaultPlayTimeout),
		},
		Model: Model{
			Path:                 "models/yolov8n.onnx",
			ProbabilityThreshold: nn.DefaultProbabilityThreshold,
			NmsIouThreshold:      nn.DefaultNmsIouThreshold,
		},
		Preview: Preview{
			Interval: Duration(time.Second),
			Quality:  85,
		},
		Metrics: Metrics{
			Interval: Duration(15 * time.Second),
		},
		TargetFPS:   30,
		StatusEvery: Duration(10 * time.Second),
	}
}

// LoadConfig reads a JSON config file. Fields missing from the file keep their default values.
func LoadConfig(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFilename
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	cfg := Default()
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("Invalid config %v: %w", filename, err)
	}
	return cfg, nil
}

// Save writes the config as indented JSON
func (c *Config) Save(filename string) error {
	raw, err := json.MarshalIndent(c, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, append(raw, '\n'), 0644)
}

// Validate returns all problems with the config, joined into one error
func (c *Config) Validate() error {
	var errs []error
	if c.Camera.ImageDir == "" && c.Camera.Device == "" {
		errs = append(errs, errors.New("camera.device or camera.imageDir must be set"))
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		errs = append(errs, fmt.Errorf("camera size %vx%v is invalid", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.ImageDir == "" && (c.Camera.Width == 0 || c.Camera.Height == 0) {
		errs = append(errs, errors.New("camera.width and camera.height must be set"))
	}
	if _, err := roi.NewPolygon(c.Region.Polygon); err != nil {
		errs = append(errs, fmt.Errorf("region.polygon: %w", err))
	}
	if c.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown may not be negative"))
	}
	for _, cls := range c.AlarmClasses {
		if cls < 0 {
			errs = append(errs, fmt.Errorf("alarmClasses: invalid class %v", cls))
		}
	}
	pc := c.PipelineConfig()
	if err := pc.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	switch c.Sound.Backend {
	case alarm.BackendBeep, alarm.BackendCommand, alarm.BackendNone, "":
	default:
		errs = append(errs, fmt.Errorf("sound.backend: %w '%v'", alarm.ErrUnknownBackend, c.Sound.Backend))
	}
	if c.Sound.Enabled && c.Sound.Path == "" && c.Sound.Backend != alarm.BackendNone {
		errs = append(errs, errors.New("sound.path must be set when sound is enabled"))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path must be set"))
	}
	if !inUnitRange(c.Model.ProbabilityThreshold) || !inUnitRange(c.Model.NmsIouThreshold) {
		errs = append(errs, errors.New("model thresholds must be between 0 and 1"))
	}
	if c.TargetFPS <= 0 {
		errs = append(errs, errors.New("targetFPS must be positive"))
	}
	if c.StatusEvery <= 0 {
		errs = append(errs, errors.New("statusEvery must be positive"))
	}
	if c.Metrics.TextfilePath != "" && c.Metrics.Interval <= 0 {
		errs = append(errs, errors.New("metrics.interval must be positive"))
	}
	if c.Preview.Path != "" && (c.Preview.Quality < 1 || c.Preview.Quality > 100) {
		errs = append(errs, fmt.Errorf("preview.quality %v must be between 1 and 100", c.Preview.Quality))
	}
	return errors.Join(errs...)
}

func inUnitRange(v float32) bool {
	return v >= 0 && v <= 1
}

// PipelineConfig converts the relevant parts of our config into a pipeline.Config
func (c *Config) PipelineConfig() pipeline.Config {
	params := nn.NewDetectionParams()
	params.ProbabilityThreshold = c.Model.ProbabilityThreshold
	params.NmsIouThreshold = c.Model.NmsIouThreshold
	return pipeline.Config{
		Polygon:         roi.Polygon(c.Region.Polygon),
		Cooldown:        c.Cooldown.D(),
		InputCapacity:   c.Queue.InputCapacity,
		OutputCapacity:  c.Queue.OutputCapacity,
		Policy:          c.Queue.Policy,
		PollTimeout:     c.Queue.PollTimeout.D(),
		AlarmClasses:    append([]int{}, c.AlarmClasses...),
		DetectionParams: params,
		DrawOutline:     c.Region.DrawOutline,
	}
}

// ParseClassList parses a list such as "0,2,7" or "person,car".
// Names are resolved against the COCO classes.
func ParseClassList(s string) ([]int, error) {
	classes := []int{}
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if id, err := strconv.Atoi(field); err == nil {
			if id < 0 {
				return nil, fmt.Errorf("Invalid class %v", id)
			}
			classes = append(classes, id)
			continue
		}
		id := nn.ClassByName(field)
		if id < 0 {
			return nil, fmt.Errorf("Unknown class '%v'", field)
		}
		classes = append(classes, id)
	}
	return classes, nil
}
