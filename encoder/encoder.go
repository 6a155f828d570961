package encoder

import (
	"context"
	"os/exec"
	"sync"

	"wanrunner/logger"
)

// EncodeFunc is the function signature for any encoder
type EncodeFunc func(ctx context.Context, input, output string, opts EncodeOptions) error

// EncodeOptions describes the clip to produce from a single still frame.
type EncodeOptions struct {
	Tool          string // command to run, resolved at registration
	Width, Height int
	FrameRate     float64
	Duration      float64 // seconds
	Codec         string
	PixFmt        string
	Preset        string
	CRF           int
}

// Registry maps format name → encoder function
var (
	Registry = map[string]EncodeFunc{}
	tools    = map[string]string{}
	mu       sync.RWMutex
)

// Register adds encoder if the underlying command exists, logs status
func Register(format string, cmdName string, fn EncodeFunc) bool {
	path, err := exec.LookPath(cmdName)
	if err != nil {
		logger.Warnf("encoder [%s] skipped: command '%s' not found in PATH", format, cmdName)
		return false
	}
	mu.Lock()
	Registry[format] = fn
	tools[format] = path
	mu.Unlock()
	logger.Debugf("encoder [%s] registered (command: %s)", format, path)
	return true
}

// Get looks up an encoder by format. The returned tool is the resolved
// command path and should be passed back in EncodeOptions.Tool.
func Get(format string) (EncodeFunc, string, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := Registry[format]
	return fn, tools[format], ok
}

// RegisterDefaults registers the mask-video encoders backed by ffmpeg.
func RegisterDefaults(ffmpeg string) {
	if ffmpeg == "" {
		ffmpeg = "ffmpeg"
	}
	Register("mp4", ffmpeg, EncodeMP4)
}
