package orchestrator

import (
	"context"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

// mockDockerClient is a minimal fake of internal/container.DockerClient,
// just enough to exercise the Orchestrator's start_instance/stop_instance
// handlers without a real daemon.
type mockDockerClient struct {
	nextID int
}

func newMockDockerClient() *mockDockerClient {
	return &mockDockerClient{}
}

func (m *mockDockerClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, name string) (container.CreateResponse, error) {
	m.nextID++
	return container.CreateResponse{ID: "fake-container-id"}, nil
}

func (m *mockDockerClient) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return nil
}

func (m *mockDockerClient) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	return nil
}

func (m *mockDockerClient) ContainerKill(ctx context.Context, id string, signal string) error {
	return nil
}

func (m *mockDockerClient) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	return nil
}

func (m *mockDockerClient) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{State: &types.ContainerState{Status: "running"}},
		NetworkSettings:   &types.NetworkSettings{},
	}, nil
}

func (m *mockDockerClient) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	waitCh <- container.WaitResponse{}
	return waitCh, make(chan error, 1)
}

func (m *mockDockerClient) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockDockerClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockDockerClient) ImageInspect(ctx context.Context, id string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{}, nil
}

func (m *mockDockerClient) Close() error { return nil }
