package container

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/node-agent/internal/domain"
)

type notFoundErr struct{}

func (notFoundErr) Error() string   { return "not found" }
func (notFoundErr) NotFound()       {}

type mockClient struct {
	createResp container.CreateResponse
	createErr  error

	startErrs []error
	startIdx  int

	stopErr error
	killErr error

	removeErr error

	inspectResp types.ContainerJSON
	inspectErr  error

	waitResp container.WaitResponse
	waitErr  error

	imageInspectErr error
	pullErr         error

	createCalled int
	startCalled  int
	stopCalled   int
	killCalled   int
	removeCalled int
	pullCalled   int

	lastContainerName string
	lastHostConfig    *container.HostConfig
	lastContainerCfg  *container.Config
}

func (m *mockClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, _ *network.NetworkingConfig, _ *specs.Platform, name string) (container.CreateResponse, error) {
	m.createCalled++
	m.lastContainerName = name
	m.lastHostConfig = hostCfg
	m.lastContainerCfg = cfg
	return m.createResp, m.createErr
}

func (m *mockClient) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	m.startCalled++
	if len(m.startErrs) > 0 {
		if m.startIdx < len(m.startErrs) {
			err := m.startErrs[m.startIdx]
			m.startIdx++
			return err
		}
		return m.startErrs[len(m.startErrs)-1]
	}
	return nil
}

func (m *mockClient) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	m.stopCalled++
	return m.stopErr
}

func (m *mockClient) ContainerKill(ctx context.Context, id string, signal string) error {
	m.killCalled++
	return m.killErr
}

func (m *mockClient) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	m.removeCalled++
	return m.removeErr
}

func (m *mockClient) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	return m.inspectResp, m.inspectErr
}

func (m *mockClient) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if m.waitErr != nil {
		errCh <- m.waitErr
	} else {
		waitCh <- m.waitResp
	}
	return waitCh, errCh
}

func (m *mockClient) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("log line\n")), nil
}

func (m *mockClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	m.pullCalled++
	if m.pullErr != nil {
		return nil, m.pullErr
	}
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockClient) ImageInspect(ctx context.Context, id string, _ ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{}, m.imageInspectErr
}

func (m *mockClient) Close() error { return nil }

func newTestSupervisor(mock *mockClient, allowed ...string) *Supervisor {
	if len(allowed) == 0 {
		allowed = []string{"pytorch/pytorch:*", "nvidia/cuda:*"}
	}
	return NewWithClient(mock, allowed, "bridge", "no")
}

func TestStart_RejectsDisallowedImage(t *testing.T) {
	mock := &mockClient{}
	sup := newTestSupervisor(mock)

	_, _, err := sup.Start(context.Background(), StartSpec{
		RentalID: "r1",
		Image:    "evil/cryptominer:latest",
	})

	require.Error(t, err)
	var notAllowed *ImageNotAllowed
	require.ErrorAs(t, err, &notAllowed)
	assert.Equal(t, 0, mock.createCalled)
}

func TestStart_TagLessPatternIsNotAWildcard(t *testing.T) {
	mock := &mockClient{createResp: container.CreateResponse{ID: "c1"}}
	sup := newTestSupervisor(mock, "nvidia/cuda")

	_, _, err := sup.Start(context.Background(), StartSpec{RentalID: "r1", Image: "nvidia/cuda:12.1"})

	require.Error(t, err)
	var notAllowed *ImageNotAllowed
	require.ErrorAs(t, err, &notAllowed)
}

func TestStart_PullsMissingImageAndTracksRental(t *testing.T) {
	mock := &mockClient{
		createResp:      container.CreateResponse{ID: "container-1"},
		imageInspectErr: errors.New("no such image"),
	}
	sup := newTestSupervisor(mock)

	containerID, _, err := sup.Start(context.Background(), StartSpec{
		RentalID: "r1",
		Image:    "pytorch/pytorch:2.0.0",
		Limits:   domain.ResourceLimits{GPUIndices: []string{"0"}, CPUCores: 4, RAMLimit: "16g"},
		PortMapping: map[string]int{
			"22": 30022,
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "container-1", containerID)
	assert.Equal(t, 1, mock.pullCalled)
	assert.Equal(t, 1, mock.createCalled)
	require.Len(t, mock.lastHostConfig.Resources.DeviceRequests, 1)
	assert.Equal(t, []string{"0"}, mock.lastHostConfig.Resources.DeviceRequests[0].DeviceIDs)
	assert.Equal(t, [][]string{{"gpu"}}, mock.lastHostConfig.Resources.DeviceRequests[0].Capabilities)
	assert.Equal(t, int64(16*1024*1024*1024), mock.lastHostConfig.Resources.Memory)
	assert.Equal(t, int64(4e9), mock.lastHostConfig.Resources.NanoCPUs)

	active := sup.Active(context.Background())
	assert.NotContains(t, active, "r1") // mock's inspect result carries no state, so Status is ""
}

func TestStart_RetriesTransientStartFailure(t *testing.T) {
	mock := &mockClient{
		createResp: container.CreateResponse{ID: "c1"},
		startErrs: []error{
			errors.New("transient"),
			nil,
		},
	}
	sup := newTestSupervisor(mock)

	_, _, err := sup.Start(context.Background(), StartSpec{RentalID: "r1", Image: "pytorch/pytorch:2.0.0"})

	require.NoError(t, err)
	assert.Equal(t, 2, mock.startCalled)
}

func TestStop_GracefulSendsStopOptions(t *testing.T) {
	mock := &mockClient{}
	sup := newTestSupervisor(mock)

	err := sup.Stop(context.Background(), "container-1", true, 10*time.Second)

	require.NoError(t, err)
	assert.Equal(t, 1, mock.stopCalled)
	assert.Equal(t, 0, mock.killCalled)
}

func TestStop_NonGracefulKills(t *testing.T) {
	mock := &mockClient{}
	sup := newTestSupervisor(mock)

	err := sup.Stop(context.Background(), "container-1", false, 0)

	require.NoError(t, err)
	assert.Equal(t, 1, mock.killCalled)
}

func TestStop_NotFoundIsSuccess(t *testing.T) {
	mock := &mockClient{stopErr: notFoundErr{}}
	sup := newTestSupervisor(mock)

	err := sup.Stop(context.Background(), "container-1", true, time.Second)

	require.NoError(t, err)
}

func TestActive_PrunesMissingContainers(t *testing.T) {
	mock := &mockClient{
		inspectResp: types.ContainerJSON{
			ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{Status: "running"},
			},
			NetworkSettings: &types.NetworkSettings{},
		},
	}
	sup := newTestSupervisor(mock)
	sup.Track("r1", "container-1")

	active := sup.Active(context.Background())

	assert.Equal(t, map[string]string{"r1": "container-1"}, active)

	mock.inspectErr = notFoundErr{}
	assert.Empty(t, sup.Active(context.Background()))
}

func TestReapExited_RemovesTerminalContainers(t *testing.T) {
	mock := &mockClient{
		inspectResp: types.ContainerJSON{
			ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{Status: "exited"},
			},
			NetworkSettings: &types.NetworkSettings{},
		},
	}
	sup := newTestSupervisor(mock)
	sup.Track("r1", "container-1")

	removed := sup.ReapExited(context.Background())

	assert.Equal(t, []string{"container-1"}, removed)
	assert.Equal(t, 1, mock.removeCalled)
	active := sup.Active(context.Background())
	assert.NotContains(t, active, "r1")
}

func TestInspectRaw_ResolvesHostPorts(t *testing.T) {
	mock := &mockClient{
		inspectResp: types.ContainerJSON{
			ContainerJSONBase: &types.ContainerJSONBase{
				State: &types.ContainerState{Status: "running"},
			},
			NetworkSettings: &types.NetworkSettings{
				NetworkSettingsBase: types.NetworkSettingsBase{
					Ports: nat.PortMap{
						"22/tcp": []nat.PortBinding{{HostPort: "30022"}},
					},
				},
			},
		},
	}
	sup := newTestSupervisor(mock)

	ports, err := sup.InspectRaw(context.Background(), "container-1")

	require.NoError(t, err)
	assert.Equal(t, 30022, ports["22"])
}
