package probe

import (
	"context"
	"net"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/gpufleet/node-agent/internal/domain"
)

// system probes the host's fixed hardware specs. Every field is
// best-effort: gopsutil failures degrade to zero values rather than
// propagating, matching the "never throw" contract on this path.
func system() domain.SystemSpec {
	spec := domain.SystemSpec{
		OS:       runtime.GOOS,
		CPUCores: runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		spec.Hostname = hostname
	}

	if info, err := cpu.Info(); err == nil && len(info) > 0 {
		spec.CPUModel = info[0].ModelName
		if counts, err := cpu.Counts(false); err == nil {
			spec.CPUCores = counts
		}
		if threads, err := cpu.Counts(true); err == nil {
			spec.Threads = threads
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		spec.RAMMB = vm.Total / (1024 * 1024)
	}

	if du, err := disk.Usage("/"); err == nil {
		spec.DiskGB = float64(du.Total) / (1024 * 1024 * 1024)
	}

	if info, err := host.Info(); err == nil {
		spec.OS = info.Platform + " " + info.PlatformVersion
	}

	return spec
}

// cpuTemperature returns the first plausible CPU temperature sensor
// reading, matching original_source/hardware.py's sensor-name
// preference list (coretemp, cpu_thermal, k10temp, zenpower), falling
// back to the first available sensor.
func cpuTemperature() *float64 {
	temps, err := sensors.TemperaturesWithContext(context.Background())
	if err != nil || len(temps) == 0 {
		return nil
	}

	preferred := []string{"coretemp", "cpu_thermal", "k10temp", "zenpower"}
	for _, name := range preferred {
		for _, t := range temps {
			if t.SensorKey == name || hasPrefixFold(t.SensorKey, name) {
				v := t.Temperature
				return &v
			}
		}
	}

	v := temps[0].Temperature
	return &v
}

func hasPrefixFold(s, prefix string) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := 0; i < len(prefix); i++ {
		a, b := s[i], prefix[i]
		if a >= 'A' && a <= 'Z' {
			a += 'a' - 'A'
		}
		if b >= 'A' && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}

// network is a bounded, best-effort latency probe against targetAddr
// (host:port). Bandwidth is intentionally left at zero: this agent has
// no traffic-generating dependency in its stack to exercise a real
// throughput test, so only what can be honestly measured (round-trip
// dial latency) is reported.
func network(ctx context.Context, timeout time.Duration, targetAddr string) *domain.NetworkSpec {
	if targetAddr == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		return nil
	}
	defer conn.Close()

	return &domain.NetworkSpec{
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}
