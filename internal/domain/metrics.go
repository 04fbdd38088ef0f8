// Package domain holds the value types shared across the agent's
// subsystems: hardware specs/metrics, node status, and rental records.
package domain

// GPUSpec is the static description of one GPU gathered at registration.
type GPUSpec struct {
	Index       int    `json:"index"`
	UUID        string `json:"uuid,omitempty"`
	Model       string `json:"model"`
	VRAMTotalMB uint64 `json:"vram_total_mb"`
	VRAMFreeMB  uint64 `json:"vram_free_mb"`
	Driver      string `json:"driver"`
	CUDA        string `json:"cuda,omitempty"`
}

// GPUMetrics is a live sample for one GPU, taken every heartbeat.
type GPUMetrics struct {
	Index       int      `json:"index"`
	UUID        string   `json:"uuid,omitempty"`
	Temperature *float64 `json:"temp,omitempty"`
	Utilization *float64 `json:"util,omitempty"`
	MemoryUsed  uint64   `json:"memory_used_mb"`
}

// SystemSpec describes the host's fixed hardware, probed once.
type SystemSpec struct {
	CPUModel string  `json:"cpu_model"`
	CPUCores int     `json:"cpu_cores"`
	Threads  int     `json:"threads"`
	RAMMB    uint64  `json:"ram_mb"`
	DiskGB   float64 `json:"disk_gb"`
	OS       string  `json:"os"`
	Hostname string  `json:"hostname"`
}

// NetworkSpec is an optional one-shot bandwidth/latency probe result.
type NetworkSpec struct {
	DownMbps  float64 `json:"down_mbps"`
	UpMbps    float64 `json:"up_mbps"`
	LatencyMs float64 `json:"latency_ms"`
}

// HardwareSpecs is the full static registration payload.
type HardwareSpecs struct {
	GPUs    []GPUSpec    `json:"gpus"`
	System  SystemSpec   `json:"system"`
	Network *NetworkSpec `json:"network,omitempty"`
}

// NodeMetrics is emitted with every heartbeat. Pointer fields are nil
// when the underlying measurement is unavailable on this host, never a
// synthetic zero.
type NodeMetrics struct {
	CPUPercent  float64      `json:"cpu_percent"`
	CPUTempC    *float64     `json:"cpu_temp_c,omitempty"`
	GPUs        []GPUMetrics `json:"gpus"`
	RAMUsedMB   uint64       `json:"ram_used_mb"`
	RAMTotalMB  uint64       `json:"ram_total_mb"`
	DiskUsedGB  float64      `json:"disk_used_gb"`
	DiskTotalGB float64      `json:"disk_total_gb"`
	NetRxMbps   float64      `json:"net_rx_mbps"`
	NetTxMbps   float64      `json:"net_tx_mbps"`
}
