package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// neural network implementation (onnxruntime), so that you can just call one function to
// load a model, and not need to know about the implementation details.

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/intruder/pkg/buildinfo"
	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/cyclopcam/intruder/pkg/yolo"
	"github.com/cyclopcam/logs"
)

// Used when a model has no JSON config next to it
const DefaultModelWidth = 640
const DefaultModelHeight = 640

// Settings for LoadModel
type LoadOptions struct {
	Width             int    // Overrides the model config, if non-zero
	Height            int    // Overrides the model config, if non-zero
	ClassFile         string // Optional text file with one class name per line
	SharedLibraryPath string // Path to the onnxruntime shared library
	Threads           int
}

// ConfigPath returns the JSON config file that accompanies a model.
// eg "models/yolov8n.onnx" -> "models/yolov8n.json"
func ConfigPath(modelFile string) string {
	return strings.TrimSuffix(modelFile, filepath.Ext(modelFile)) + ".json"
}

// ResolveConfig finds the ModelConfig for a model file.
// If there is no JSON config next to the model, we assume a YOLOv8 model trained on COCO.
func ResolveConfig(modelFile string, opts LoadOptions) (*nn.ModelConfig, error) {
	var config *nn.ModelConfig
	configFile := ConfigPath(modelFile)
	if _, err := os.Stat(configFile); err == nil {
		config, err = nn.LoadModelConfig(configFile)
		if err != nil {
			return nil, err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		config = &nn.ModelConfig{
			Architecture: "yolov8",
			Width:        DefaultModelWidth,
			Height:       DefaultModelHeight,
		}
	} else {
		return nil, err
	}

	if opts.Width != 0 {
		config.Width = opts.Width
	}
	if opts.Height != 0 {
		config.Height = opts.Height
	}
	if opts.ClassFile != "" {
		classes, err := nn.LoadClassFile(opts.ClassFile)
		if err != nil {
			return nil, fmt.Errorf("Error loading class file %v: %w", opts.ClassFile, err)
		}
		config.Classes = classes
	}
	if len(config.Classes) == 0 {
		config.Classes = append([]string{}, nn.COCOClasses...)
	}
	if config.Architecture != "" && !strings.HasPrefix(config.Architecture, "yolov8") && !strings.HasPrefix(config.Architecture, "yolo11") {
		return nil, fmt.Errorf("Unsupported model architecture '%v'", config.Architecture)
	}
	return config, nil
}

// LoadModel loads a neural network from disk.
// Any failure is returned as an *nn.ModelError.
func LoadModel(log logs.Log, modelFile string, opts LoadOptions) (nn.ObjectDetector, error) {
	if _, err := os.Stat(modelFile); err != nil {
		return nil, &nn.ModelError{Path: modelFile, Err: err}
	}
	config, err := ResolveConfig(modelFile, opts)
	if err != nil {
		return nil, &nn.ModelError{Path: modelFile, Err: err}
	}
	if !strings.EqualFold(filepath.Ext(modelFile), ".onnx") {
		return nil, &nn.ModelError{Path: modelFile, Err: fmt.Errorf("Unrecognized NN model type")}
	}
	libPath := opts.SharedLibraryPath
	if libPath == "" {
		libPath = buildinfo.FindOnnxRuntime()
	}
	log.Infof("Loading NN model %v (%v, %vx%v, %v classes)", modelFile, config.Architecture, config.Width, config.Height, len(config.Classes))
	if libPath != "" {
		log.Infof("Using onnxruntime at %v", libPath)
	}
	detector, err := yolo.NewDetector(config, modelFile, yolo.Options{
		SharedLibraryPath: libPath,
		Threads:           opts.Threads,
	})
	if err != nil {
		return nil, &nn.ModelError{Path: modelFile, Err: err}
	}
	return detector, nil
}
