package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/node-agent/internal/container"
	"github.com/gpufleet/node-agent/internal/domain"
	"github.com/gpufleet/node-agent/internal/wsclient"
)

type fakeMetrics struct{}

func (fakeMetrics) CurrentMetrics(ctx context.Context) domain.NodeMetrics {
	return domain.NodeMetrics{}
}

func newTestOrchestrator(t *testing.T, allowedImages []string) (*Orchestrator, *container.Supervisor) {
	t.Helper()
	mockDocker := newMockDockerClient()
	sup := container.NewWithClient(mockDocker, allowedImages, "bridge", "no")
	tsup := newFakeTunnelSupervisor()
	session := wsclient.New(wsclient.Config{URL: "ws://unused", APIKey: "k"})

	o := New(Config{
		Identity: domain.NodeIdentity{NodeID: "node-1", RelayAddr: "relay.example.com"},
	}, sup, tsup, session, fakeMetrics{})

	return o, sup
}

func TestHandleDrainNode_TransitionsToMaintenance(t *testing.T) {
	o, _ := newTestOrchestrator(t, []string{"pytorch/pytorch:*"})

	err := o.handleDrainNode(context.Background(), wsclient.Frame{
		"event": "drain_node",
		"data":  map[string]any{"reason": "upgrade"},
	})

	require.NoError(t, err)
	assert.Equal(t, domain.StatusMaintenance, o.Status())
}

func TestHandleUpdateConfig_AppliesHeartbeatAndImages(t *testing.T) {
	o, sup := newTestOrchestrator(t, []string{"pytorch/pytorch:*"})

	err := o.handleUpdateConfig(context.Background(), wsclient.Frame{
		"event": "update_config",
		"data": map[string]any{
			"config": map[string]any{
				"heartbeat_interval_ms":  float64(10000),
				"max_concurrent_rentals": float64(5),
				"allowed_images":         []any{"nvidia/cuda:*"},
			},
		},
	})

	require.NoError(t, err)
	o.mu.Lock()
	interval := o.heartbeatInterval
	o.mu.Unlock()
	assert.Equal(t, int64(10_000_000_000), interval.Nanoseconds())

	_, _, err = sup.Start(context.Background(), container.StartSpec{RentalID: "r2", Image: "nvidia/cuda:12.1"})
	assert.NoError(t, err)
}

func TestHandleUpdateConfig_ZeroMeansNoChange(t *testing.T) {
	o, _ := newTestOrchestrator(t, []string{"pytorch/pytorch:*"})
	o.cfg.HeartbeatInterval = 5_000_000_000 // 5s, set on the fields directly since test is same package
	o.heartbeatInterval = o.cfg.HeartbeatInterval

	err := o.handleUpdateConfig(context.Background(), wsclient.Frame{
		"event": "update_config",
		"data":  map[string]any{"config": map[string]any{}},
	})

	require.NoError(t, err)
	o.mu.Lock()
	interval := o.heartbeatInterval
	o.mu.Unlock()
	assert.Equal(t, o.cfg.HeartbeatInterval, interval)
}

func TestHandleStartInstance_DisallowedImageEmitsNoRentalRecord(t *testing.T) {
	o, _ := newTestOrchestrator(t, []string{"pytorch/pytorch:*"})

	err := o.handleStartInstance(context.Background(), wsclient.Frame{
		"event": "start_instance",
		"data": map[string]any{
			"rental_id":           "r1",
			"image":               "evil/cryptominer:latest",
			"resource_limits":     map[string]any{},
			"proxy_port_mapping":  map[string]any{"22": float64(30022)},
		},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "START_INSTANCE_FAILED")
	assert.Equal(t, 0, o.rentalCount())
}

func TestHandleStartInstance_DefaultsSSHPortTo22WhenMissing(t *testing.T) {
	o, sup := newTestOrchestrator(t, []string{"pytorch/pytorch:*"})
	_ = sup

	err := o.handleStartInstance(context.Background(), wsclient.Frame{
		"event": "start_instance",
		"data": map[string]any{
			"rental_id":          "r1",
			"image":              "pytorch/pytorch:2.0.0",
			"resource_limits":    map[string]any{},
			"proxy_port_mapping": map[string]any{"8888": float64(30888)},
		},
	})

	require.NoError(t, err)
	o.mu.Lock()
	rental := o.rentals["r1"]
	o.mu.Unlock()
	assert.Equal(t, 22, rental.Connection.SSHPort)
}

func TestHandleStartInstance_TunnelCreateFailureIsReported(t *testing.T) {
	mockDocker := newMockDockerClient()
	sup := container.NewWithClient(mockDocker, []string{"pytorch/pytorch:*"}, "bridge", "no")
	tsup := newFakeTunnelSupervisor()
	tsup.createErr = assert.AnError
	session := wsclient.New(wsclient.Config{URL: "ws://unused", APIKey: "k"})

	o := New(Config{
		Identity: domain.NodeIdentity{NodeID: "node-1", RelayAddr: "relay.example.com"},
	}, sup, tsup, session, fakeMetrics{})

	err := o.handleStartInstance(context.Background(), wsclient.Frame{
		"event": "start_instance",
		"data": map[string]any{
			"rental_id":          "r1",
			"image":              "pytorch/pytorch:2.0.0",
			"resource_limits":    map[string]any{},
			"proxy_port_mapping": map[string]any{"22": float64(30022)},
		},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "START_INSTANCE_FAILED")
	assert.Equal(t, 0, o.rentalCount())
}
