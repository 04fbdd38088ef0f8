// Package probe implements the Hardware Probe component: a pure polling
// component with no state beyond a cached handle to the GPU management
// library (and, via CachedProbe, a background-refreshed metrics
// snapshot).
package probe

import (
	"context"
	"sync"
	"time"

	gopsutilcpu "github.com/shirou/gopsutil/v4/cpu"
	gopsutildisk "github.com/shirou/gopsutil/v4/disk"
	gopsutilmem "github.com/shirou/gopsutil/v4/mem"
	gopsutilnet "github.com/shirou/gopsutil/v4/net"

	"github.com/gpufleet/node-agent/internal/domain"
	"github.com/gpufleet/node-agent/internal/logging"
)

var log = logging.WithComponent("probe")

// Probe implements domain-facing hardware enumeration and live sampling.
// GPU enumeration tries NVML first and falls back to parsing
// `nvidia-smi` output; either missing yields an empty GPU list rather
// than an error, per spec.md §4.1.
type Probe struct {
	mu        sync.Mutex
	nvml      *nvmlBackend
	nvmlReady bool

	netMu    sync.Mutex
	lastNet  *gopsutilnet.IOCountersStat
	lastNetT time.Time
}

// NewProbe constructs a Probe and attempts (without failing) to
// initialize the native NVML binding.
func NewProbe() *Probe {
	p := &Probe{nvml: newNVMLBackend()}
	if err := p.nvml.init(); err != nil {
		log.Debug().Err(err).Msg("nvml unavailable, will fall back to nvidia-smi")
		p.nvmlReady = false
	} else {
		p.nvmlReady = true
	}
	return p
}

// Close releases the NVML handle if it was initialized.
func (p *Probe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nvmlReady {
		p.nvml.shutdown()
		p.nvmlReady = false
	}
}

func (p *Probe) gpuSpecs(ctx context.Context) []domain.GPUSpec {
	p.mu.Lock()
	ready := p.nvmlReady
	p.mu.Unlock()

	if ready {
		if specs, err := p.nvml.specs(); err == nil {
			return specs
		}
	}

	specs, _ := cliGPUQuery(ctx)
	if specs == nil {
		return []domain.GPUSpec{}
	}
	return specs
}

func (p *Probe) gpuMetrics(ctx context.Context) []domain.GPUMetrics {
	p.mu.Lock()
	ready := p.nvmlReady
	p.mu.Unlock()

	if ready {
		if metrics, err := p.nvml.metrics(); err == nil {
			return metrics
		}
	}

	_, metrics := cliGPUQuery(ctx)
	if metrics == nil {
		return []domain.GPUMetrics{}
	}
	return metrics
}

// FullSpecs returns the static registration payload. includeNetwork
// triggers the optional, bounded network probe against targetAddr.
func (p *Probe) FullSpecs(ctx context.Context, includeNetwork bool, targetAddr string, networkTimeout time.Duration) domain.HardwareSpecs {
	specs := domain.HardwareSpecs{
		GPUs:   p.gpuSpecs(ctx),
		System: system(),
	}
	if includeNetwork {
		specs.Network = network(ctx, networkTimeout, targetAddr)
	}
	return specs
}

// CurrentMetrics samples live metrics. It must complete well under the
// heartbeat interval; every field degrades to absent/zero on failure
// rather than returning an error.
func (p *Probe) CurrentMetrics(ctx context.Context) domain.NodeMetrics {
	metrics := domain.NodeMetrics{
		CPUTempC: cpuTemperature(),
		GPUs:     p.gpuMetrics(ctx),
	}

	if pcts, err := gopsutilcpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		metrics.CPUPercent = pcts[0]
	}

	if vm, err := gopsutilmem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.RAMUsedMB = vm.Used / (1024 * 1024)
		metrics.RAMTotalMB = vm.Total / (1024 * 1024)
	}

	if du, err := gopsutildisk.UsageWithContext(ctx, "/"); err == nil {
		metrics.DiskUsedGB = float64(du.Used) / (1024 * 1024 * 1024)
		metrics.DiskTotalGB = float64(du.Total) / (1024 * 1024 * 1024)
	}

	rx, tx := p.netRates(ctx)
	metrics.NetRxMbps = rx
	metrics.NetTxMbps = tx

	return metrics
}

// netRates computes an approximate rate from the delta between two
// calls to gopsutil's cumulative IO counters, since a single sample
// only ever reports totals.
func (p *Probe) netRates(ctx context.Context) (rxMbps, txMbps float64) {
	counters, err := gopsutilnet.IOCountersWithContext(ctx, false)
	if err != nil || len(counters) == 0 {
		return 0, 0
	}

	now := time.Now()
	total := counters[0]

	p.netMu.Lock()
	defer p.netMu.Unlock()

	if p.lastNet != nil {
		elapsed := now.Sub(p.lastNetT).Seconds()
		if elapsed > 0 {
			rxBytes := total.BytesRecv - p.lastNet.BytesRecv
			txBytes := total.BytesSent - p.lastNet.BytesSent
			rxMbps = float64(rxBytes) * 8 / elapsed / 1_000_000
			txMbps = float64(txBytes) * 8 / elapsed / 1_000_000
		}
	}

	p.lastNet = &total
	p.lastNetT = now
	return rxMbps, txMbps
}
