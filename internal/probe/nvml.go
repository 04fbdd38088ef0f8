//go:build !nonvml
// +build !nonvml

package probe

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/gpufleet/node-agent/internal/domain"
)

// nvmlBackend binds to the native NVIDIA Management Library. It is the
// first enumeration strategy tried by Probe; absence or init failure of
// the library itself is not fatal — callers fall back to the nvidia-smi
// CLI parser.
type nvmlBackend struct{}

func newNVMLBackend() *nvmlBackend {
	return &nvmlBackend{}
}

func (b *nvmlBackend) init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("nvml init: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (b *nvmlBackend) shutdown() {
	nvml.Shutdown()
}

func (b *nvmlBackend) specs() ([]domain.GPUSpec, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("device count: %v", nvml.ErrorString(ret))
	}

	driver, _ := nvml.SystemGetDriverVersion()

	specs := make([]domain.GPUSpec, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		memInfo, _ := device.GetMemoryInfo()

		specs = append(specs, domain.GPUSpec{
			Index:       i,
			UUID:        uuid,
			Model:       name,
			VRAMTotalMB: memInfo.Total / (1024 * 1024),
			VRAMFreeMB:  memInfo.Free / (1024 * 1024),
			Driver:      driver,
		})
	}
	return specs, nil
}

func (b *nvmlBackend) metrics() ([]domain.GPUMetrics, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("device count: %v", nvml.ErrorString(ret))
	}

	out := make([]domain.GPUMetrics, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		uuid, _ := device.GetUUID()
		memInfo, _ := device.GetMemoryInfo()

		m := domain.GPUMetrics{
			Index:      i,
			UUID:       uuid,
			MemoryUsed: memInfo.Used / (1024 * 1024),
		}

		if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
			v := float64(util.Gpu)
			m.Utilization = &v
		}
		if temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU); ret == nvml.SUCCESS {
			v := float64(temp)
			m.Temperature = &v
		}

		out = append(out, m)
	}
	return out, nil
}
