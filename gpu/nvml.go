package gpu

import (
	"context"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/cockroachdb/errors"

	"wanrunner/models"
)

// NVMLSource reads device memory through the NVIDIA management library.
type NVMLSource struct{}

// NewNVMLSource checks that the library can be initialized.
func NewNVMLSource() (*NVMLSource, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, errors.Newf("nvml init: %s", nvml.ErrorString(ret))
	}
	nvml.Shutdown()
	return &NVMLSource{}, nil
}

func (s *NVMLSource) Name() string { return "nvml" }

func (s *NVMLSource) Devices(ctx context.Context) ([]models.DeviceInfo, error) {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return nil, models.Newf(models.ErrExternalProcess, "nvml init: %s", nvml.ErrorString(ret))
	}
	defer nvml.Shutdown()

	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, models.Newf(models.ErrExternalProcess, "nvml device count: %s", nvml.ErrorString(ret))
	}

	devs := make([]models.DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, models.Newf(models.ErrExternalProcess, "nvml device %d: %s", i, nvml.ErrorString(ret))
		}
		name, ret := device.GetName()
		if ret != nvml.SUCCESS {
			name = "unknown"
		}
		mem, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			return nil, models.Newf(models.ErrExternalProcess, "nvml memory of device %d: %s", i, nvml.ErrorString(ret))
		}
		devs = append(devs, models.DeviceInfo{
			ID:               i,
			Name:             name,
			TotalMemoryBytes: mem.Total,
			FreeMemoryBytes:  mem.Free,
		})
	}
	return devs, nil
}
