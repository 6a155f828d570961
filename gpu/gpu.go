// Package gpu enumerates accelerators and ranks them by free memory.
package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"sort"

	"wanrunner/logger"
	"wanrunner/models"
)

// DeviceSource lists accelerators with their current memory state. Sources
// never cache: every call reflects the moment it was made.
type DeviceSource interface {
	Name() string
	Devices(ctx context.Context) ([]models.DeviceInfo, error)
}

// Rank orders devices by descending free memory, ties by lower ID. The input
// slice is not modified.
func Rank(devs []models.DeviceInfo) []models.DeviceInfo {
	out := make([]models.DeviceInfo, len(devs))
	copy(out, devs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FreeMemoryBytes != out[j].FreeMemoryBytes {
			return out[i].FreeMemoryBytes > out[j].FreeMemoryBytes
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Select queries src and returns the device with the most free memory.
// ok is false when no devices are present.
func Select(ctx context.Context, src DeviceSource) (models.DeviceInfo, bool, error) {
	devs, err := src.Devices(ctx)
	if err != nil {
		return models.DeviceInfo{}, false, err
	}
	ranked := Rank(devs)
	if len(ranked) == 0 {
		return models.DeviceInfo{}, false, nil
	}
	return ranked[0], true, nil
}

// VisibleDevicesEnv restricts a child process to one device.
func VisibleDevicesEnv(id int) string {
	return fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", id)
}

// DetectSource prefers NVML, falls back to nvidia-smi when it is on PATH,
// and otherwise returns a source with no devices.
func DetectSource(smiTool string) DeviceSource {
	src, err := NewNVMLSource()
	if err == nil {
		logger.Debugf("gpu: using NVML")
		return src
	}
	logger.Debugf("gpu: NVML unavailable: %v", err)
	if smiTool == "" {
		smiTool = "nvidia-smi"
	}
	if path, err := exec.LookPath(smiTool); err == nil {
		logger.Debugf("gpu: using %s", path)
		return &SMISource{Tool: path}
	}
	logger.Warnf("gpu: no NVML library and no %s on PATH; no devices will be reported", smiTool)
	return NoDevices{}
}

// NoDevices is the source used on machines without accelerators.
type NoDevices struct{}

func (NoDevices) Name() string { return "none" }

func (NoDevices) Devices(context.Context) ([]models.DeviceInfo, error) { return nil, nil }
