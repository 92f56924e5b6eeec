package buildinfo

import (
	"os"
	"path/filepath"
	"runtime"
)

// Version is filled in with -ldflags "-X github.com/cyclopcam/intruder/pkg/buildinfo.Version=..."
var Version = "dev"

// Multiarch is filled in by the Debian build system.
// It's the directory you see in /usr/lib/XXX, such as /usr/lib/x86_64-linux-gnu, or /usr/lib/aarch64-linux-gnu.
// If the value of Multiarch is "unknown", then we ignore this path.
var Multiarch = "unknown"

// OnnxRuntimeCandidates returns the places where we look for the onnxruntime
// shared library, in order of preference.
func OnnxRuntimeCandidates() []string {
	name := "libonnxruntime.so"
	switch runtime.GOOS {
	case "darwin":
		name = "libonnxruntime.dylib"
	case "windows":
		name = "onnxruntime.dll"
	}
	paths := []string{}
	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), name))
	}
	if Multiarch != "unknown" {
		paths = append(paths, filepath.Join("/usr/lib", Multiarch, name))
	}
	if runtime.GOOS != "windows" {
		paths = append(paths, filepath.Join("/usr/local/lib", name), filepath.Join("/usr/lib", name))
	}
	return paths
}

// FindOnnxRuntime returns the first candidate that exists, or an empty string
func FindOnnxRuntime() string {
	for _, p := range OnnxRuntimeCandidates() {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
