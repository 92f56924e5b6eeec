package nnload

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cyclopcam/intruder/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestConfigPath(t *testing.T) {
	require.Equal(t, "models/yolov8n.json", ConfigPath("models/yolov8n.onnx"))
	require.Equal(t, "yolov8n.json", ConfigPath("yolov8n"))
}

func TestResolveConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "yolov8n.onnx")
	config, err := ResolveConfig(model, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, 640, config.Width)
	require.Equal(t, 640, config.Height)
	require.Equal(t, nn.COCOClasses, config.Classes)

	config, err = ResolveConfig(model, LoadOptions{Width: 320, Height: 256})
	require.NoError(t, err)
	require.Equal(t, 320, config.Width)
	require.Equal(t, 256, config.Height)
}

func TestResolveConfigFromFiles(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "custom.onnx")
	require.NoError(t, os.WriteFile(ConfigPath(model), []byte(`{"architecture":"yolov8","width":320,"height":320,"classes":["cat"]}`), 0644))
	config, err := ResolveConfig(model, LoadOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"cat"}, config.Classes)
	require.Equal(t, 320, config.Width)

	classFile := filepath.Join(dir, "classes.txt")
	require.NoError(t, os.WriteFile(classFile, []byte("intruder\n\n  dog \n"), 0644))
	config, err = ResolveConfig(model, LoadOptions{ClassFile: classFile})
	require.NoError(t, err)
	require.Equal(t, []string{"intruder", "dog"}, config.Classes)

	require.NoError(t, os.WriteFile(ConfigPath(model), []byte(`{"architecture":"ssd","width":320,"height":320}`), 0644))
	_, err = ResolveConfig(model, LoadOptions{})
	require.Error(t, err)
}

func TestLoadModelMissing(t *testing.T) {
	log := logs.NewTestingLog(t)
	_, err := LoadModel(log, filepath.Join(t.TempDir(), "missing.onnx"), LoadOptions{})
	var modelErr *nn.ModelError
	require.True(t, errors.As(err, &modelErr))
	require.True(t, errors.Is(err, os.ErrNotExist))
}
