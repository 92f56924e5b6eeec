package nn

import (
	"bufio"
	"encoding/json"
	"fmt"
	"image"
	"os"
	"strings"
	"time"
)

// Package nn is the object detection interface layer.
// To load a model, use the nnload package.

const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.45

// Results of an NN object detection run on a single frame
type DetectionResult struct {
	FrameID     int64             `json:"frameID"`
	ImageWidth  int               `json:"imageWidth"`
	ImageHeight int               `json:"imageHeight"`
	Objects     []ObjectDetection `json:"objects"`
	FramePTS    time.Time         `json:"framePTS"`
}

// NN object detection parameters
type DetectionParams struct {
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects. Zero value will use the default.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one. Zero value will use the default.
	Unclipped            bool    // If true, don't clip boxes to the image boundaries
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		Unclipped:            false,
	}
}

// Return the effective thresholds, replacing zero values with the defaults
func (p *DetectionParams) Thresholds() (prob, nmsIou float32) {
	prob = DefaultProbabilityThreshold
	nmsIou = DefaultNmsIouThreshold
	if p != nil && p.ProbabilityThreshold != 0 {
		prob = p.ProbabilityThreshold
	}
	if p != nil && p.NmsIouThreshold != 0 {
		nmsIou = p.NmsIouThreshold
	}
	return
}

// ObjectDetector is given an image, and returns zero or more detected objects.
// A detector is not required to be safe for concurrent use. The pipeline only
// ever has one detection in flight.
type ObjectDetector interface {
	// Close releases the detector. You MUST call this when finished, because
	// there is usually a C++ runtime underneath.
	Close()

	// DetectObjects returns a list of objects detected in the image.
	// Boxes are in the pixel space of img.
	// You can create a default DetectionParams with NewDetectionParams()
	DetectObjects(img *image.RGBA, params *DetectionParams) ([]ObjectDetection, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the detector has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"` // eg "yolov8"
	Width        int      `json:"width"`        // eg 640
	Height       int      `json:"height"`       // eg 640
	Classes      []string `json:"classes"`      // eg ["person", "bicycle", "car", ...]
}

// Return the name of the class, or a numeric placeholder if the model doesn't know it
func (c *ModelConfig) ClassName(class int) string {
	if c != nil && class >= 0 && class < len(c.Classes) {
		return c.Classes[class]
	}
	return ClassName(class)
}

// ModelError is returned when a model cannot be loaded.
// This is fatal to the construction of a pipeline.
type ModelError struct {
	Path string
	Err  error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("Failed to load NN model '%v': %v", e.Path, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, fmt.Errorf("Error decoding model config %v: %w", filename, err)
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("Model config %v has invalid input size %vx%v", filename, config.Width, config.Height)
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
