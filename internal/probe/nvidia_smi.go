package probe

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/gpufleet/node-agent/internal/domain"
)

// cliFallbackTimeout bounds the nvidia-smi fallback per spec.md §4.1:
// "The CLI fallback has a 10s hard timeout; timeout or absence yields an
// empty list."
const cliFallbackTimeout = 10 * time.Second

// cliGPUQuery asks nvidia-smi for the same fields the NVML binding
// would otherwise report: index, name, memory.total, memory.free,
// temperature.gpu, utilization.gpu, driver_version.
func cliGPUQuery(ctx context.Context) ([]domain.GPUSpec, []domain.GPUMetrics) {
	ctx, cancel := context.WithTimeout(ctx, cliFallbackTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.free,temperature.gpu,utilization.gpu,driver_version",
		"--format=csv,noheader,nounits",
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, nil
	}

	var specs []domain.GPUSpec
	var metrics []domain.GPUMetrics

	for _, line := range strings.Split(strings.TrimSpace(stdout.String()), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		if len(fields) < 7 {
			continue
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		memTotal, _ := strconv.ParseUint(fields[2], 10, 64)
		memFree, _ := strconv.ParseUint(fields[3], 10, 64)

		specs = append(specs, domain.GPUSpec{
			Index:       index,
			Model:       fields[1],
			VRAMTotalMB: memTotal,
			VRAMFreeMB:  memFree,
			Driver:      fields[6],
		})

		m := domain.GPUMetrics{
			Index:      index,
			MemoryUsed: memTotal - memFree,
		}
		if temp, err := strconv.ParseFloat(fields[4], 64); err == nil {
			m.Temperature = &temp
		}
		if util, err := strconv.ParseFloat(fields[5], 64); err == nil {
			m.Utilization = &util
		}
		metrics = append(metrics, m)
	}

	return specs, metrics
}
