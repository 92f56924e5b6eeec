package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/intruder/pkg/buildinfo"
	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/cyclopcam/intruder/pkg/nnload"
	"github.com/cyclopcam/intruder/server/alarm"
	"github.com/cyclopcam/intruder/server/camera"
	"github.com/cyclopcam/intruder/server/config"
	"github.com/cyclopcam/intruder/server/metrics"
	"github.com/cyclopcam/intruder/server/pipeline"
	"github.com/cyclopcam/intruder/server/session"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	parser := argparse.NewParser("intruder", "Sound an alarm when a watched object enters a region of the camera's view")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file. Missing fields take their default values", Default: ""})
	writeConfig := parser.String("", "write-config", &argparse.Options{Help: "Write the effective configuration to this file, and exit", Default: ""})
	classes := parser.String("", "classes", &argparse.Options{Help: "Comma-separated alarm classes, by id or name, eg '0,2' or 'person,car'", Default: ""})
	modelFile := parser.String("m", "model", &argparse.Options{Help: "ONNX object detection model", Default: ""})
	onnxLib := parser.String("", "onnxruntime", &argparse.Options{Help: "Path to the onnxruntime shared library", Default: ""})
	device := parser.String("d", "device", &argparse.Options{Help: "Camera device, or any ffmpeg input (file, rtsp://...)", Default: ""})
	imageDir := parser.String("i", "images", &argparse.Options{Help: "Read JPEG images from this directory instead of a camera", Default: ""})
	loop := parser.Flag("", "loop", &argparse.Options{Help: "Loop the image directory forever", Default: false})
	soundFile := parser.String("s", "sound", &argparse.Options{Help: "Alarm sound (wav or mp3)", Default: ""})
	noSound := parser.Flag("", "nosound", &argparse.Options{Help: "Start with the alarm sound disabled", Default: false})
	cooldown := parser.Float("", "cooldown", &argparse.Options{Help: "Minimum seconds between alarms. Zero keeps the configured value", Default: 0.0})
	preview := parser.String("p", "preview", &argparse.Options{Help: "Write the latest annotated frame to this JPEG file", Default: ""})
	paused := parser.Flag("", "paused", &argparse.Options{Help: "Don't start the camera until the 'start' command", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("intruder %v", buildinfo.Version)

	cfg := config.Default()
	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
	}

	// Command line overrides
	if *classes != "" {
		cfg.AlarmClasses, err = config.ParseClassList(*classes)
		check(err)
	}
	if *modelFile != "" {
		cfg.Model.Path = *modelFile
	}
	if *onnxLib != "" {
		cfg.Model.OnnxRuntimeLibrary = *onnxLib
	}
	if *device != "" {
		cfg.Camera.Device = *device
		cfg.Camera.ImageDir = ""
	}
	if *imageDir != "" {
		cfg.Camera.ImageDir = *imageDir
	}
	if *loop {
		cfg.Camera.Loop = true
	}
	if *soundFile != "" {
		cfg.Sound.Path = *soundFile
	}
	if *noSound {
		cfg.Sound.Enabled = false
	}
	if *cooldown > 0 {
		cfg.Cooldown = config.Duration(*cooldown * float64(time.Second))
	}
	if *preview != "" {
		cfg.Preview.Path = *preview
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		check(cfg.Save(*writeConfig))
		logger.Infof("Configuration written to %v", *writeConfig)
		return
	}

	if err := run(logger, cfg, !*paused); err != nil {
		var modelErr *nn.ModelError
		if errors.As(err, &modelErr) {
			logger.Criticalf("Unable to load object detection model: %v", err)
		} else {
			logger.Errorf("%v", err)
		}
		os.Exit(1)
	}
}

func run(logger logs.Log, cfg *config.Config, autoStart bool) error {
	backend, err := alarm.NewBackend(cfg.Sound.Backend, cfg.Sound.Command)
	if err != nil {
		return err
	}
	player := alarm.NewPlayer(logger, backend, cfg.Sound.Path, cfg.Sound.MaxInFlight)
	player.PlayTimeout = cfg.Sound.Timeout.D()
	player.SetEnabled(cfg.Sound.Enabled)
	defer player.Close()

	loadOptions := nnload.LoadOptions{
		Width:             cfg.Model.Width,
		Height:            cfg.Model.Height,
		ClassFile:         cfg.Model.ClassFile,
		SharedLibraryPath: cfg.Model.OnnxRuntimeLibrary,
		Threads:           cfg.Model.Threads,
	}
	loader := func() (nn.ObjectDetector, error) {
		return nnload.LoadModel(logger, cfg.Model.Path, loadOptions)
	}
	pipe, err := pipeline.NewFromLoader(logger, cfg.PipelineConfig(), loader, player)
	if err != nil {
		return err
	}
	defer pipe.Close()

	// Load the model up front, so that a bad model is reported before we touch the camera
	if err := pipe.Start(); err != nil {
		return err
	}

	m := metrics.New(metrics.Sources{
		Pipeline: pipe.Stats,
		Player:   player.Stats,
	})

	camCfg := cfg.Camera
	sess, err := session.New(logger, session.Options{
		Config:   cfg,
		Pipeline: pipe,
		Player:   player,
		Metrics:  m,
		OpenCamera: func(ctx context.Context) (camera.Source, error) {
			return camera.Open(ctx, logger, &camCfg)
		},
		AutoStart: autoStart,
		ExitOnEOF: camCfg.ImageDir != "" && !camCfg.Loop,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go readCommands(logger, sess)

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	err = sess.Run(ctx)
	daemon.SdNotify(false, daemon.SdNotifyStopping)
	return err
}

// Relay stdin lines to the session. When stdin is closed (eg under systemd), we simply stop reading.
func readCommands(logger logs.Log, sess *session.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if err := sess.Command(line); err != nil {
			if errors.Is(err, session.ErrEmptyCommand) {
				continue
			}
			logger.Warnf("%v", err)
			fmt.Println(session.CommandHelp)
		}
	}
}
