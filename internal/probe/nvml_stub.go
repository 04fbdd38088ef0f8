//go:build nonvml
// +build nonvml

package probe

import (
	"fmt"

	"github.com/gpufleet/node-agent/internal/domain"
)

// nvmlBackend stub used when building without the NVIDIA management
// library. init always fails so Probe falls back to the nvidia-smi CLI
// parser or, absent that too, an empty GPU list.
type nvmlBackend struct{}

func newNVMLBackend() *nvmlBackend {
	return &nvmlBackend{}
}

func (b *nvmlBackend) init() error {
	return fmt.Errorf("nvml not available (built with nonvml tag)")
}

func (b *nvmlBackend) shutdown() {}

func (b *nvmlBackend) specs() ([]domain.GPUSpec, error) {
	return nil, fmt.Errorf("nvml not available")
}

func (b *nvmlBackend) metrics() ([]domain.GPUMetrics, error) {
	return nil, fmt.Errorf("nvml not available")
}
