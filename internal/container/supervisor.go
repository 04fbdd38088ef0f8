// Package container implements the Container Supervisor (spec.md §4.2):
// a thin layer over the Docker SDK that owns the rental_id -> container_id
// map, enforces the image allow-list, and translates daemon errors into
// the typed failures the Orchestrator dispatches on.
//
// Grounded on the teacher's internal/container/docker.go (DockerService /
// DockerClient split for testability, backoff-wrapped start, nvidia
// runtime wiring) and original_source/docker_manager.py (the
// rental_id->container_id tracking map, list_active_rentals/
// cleanup_stopped_containers pruning behavior this package calls
// Active/ReapExited).
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/gpufleet/node-agent/internal/domain"
	"github.com/gpufleet/node-agent/internal/logging"
)

var log = logging.WithComponent("container")

// ImageNotAllowed is returned when a start spec's image does not match
// any configured allow-list glob.
type ImageNotAllowed struct {
	Image    string
	Patterns []string
}

func (e *ImageNotAllowed) Error() string {
	return fmt.Sprintf("image %q is not in the allowed list %v", e.Image, e.Patterns)
}

// ImagePullFailed wraps a daemon error encountered while pulling an image.
type ImagePullFailed struct {
	Image string
	Err   error
}

func (e *ImagePullFailed) Error() string {
	return fmt.Sprintf("failed to pull image %s: %v", e.Image, e.Err)
}

func (e *ImagePullFailed) Unwrap() error { return e.Err }

// ContainerStartFailed wraps a daemon error encountered while creating or
// starting a container.
type ContainerStartFailed struct {
	Err error
}

func (e *ContainerStartFailed) Error() string {
	return fmt.Sprintf("container start failed: %v", e.Err)
}

func (e *ContainerStartFailed) Unwrap() error { return e.Err }

// StartSpec is the Orchestrator's request to create and start a rental's
// container.
type StartSpec struct {
	RentalID    string
	Image       string
	Limits      domain.ResourceLimits
	EnvVars     map[string]string
	PortMapping map[string]int // container port (string) -> desired host port, 0 = dynamic
}

// Info mirrors a docker inspect result, trimmed to what the Orchestrator
// needs.
type Info struct {
	ContainerID string
	State       string // "running", "exited", "", ...
	Health      string // "healthy", "unhealthy", "starting", ""
}

// DockerClient is the subset of the Docker SDK the Supervisor drives,
// isolated for test doubles exactly as the teacher's DockerClient does.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerKill(ctx context.Context, containerID string, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspect(ctx context.Context, imageID string, inspectOpts ...client.ImageInspectOption) (image.InspectResponse, error)
	Close() error
}

var _ DockerClient = (*client.Client)(nil)

// Supervisor owns the rental_id -> container_id map and every Docker
// lifecycle operation the Orchestrator issues.
type Supervisor struct {
	cli           DockerClient
	networkMode   string
	restartPolicy string

	imagesMu      sync.RWMutex
	allowedImages []string

	mu      sync.Mutex
	rentals map[string]string // rental_id -> container_id
}

// New constructs a Supervisor against the real Docker daemon, reached via
// the environment the same way the teacher's NewDockerService does.
func New(allowedImages []string, networkMode, restartPolicy string) (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewWithClient(cli, allowedImages, networkMode, restartPolicy), nil
}

// NewWithClient builds a Supervisor around a provided client, for tests.
func NewWithClient(cli DockerClient, allowedImages []string, networkMode, restartPolicy string) *Supervisor {
	return &Supervisor{
		cli:           cli,
		allowedImages: allowedImages,
		networkMode:   networkMode,
		restartPolicy: restartPolicy,
		rentals:       make(map[string]string),
	}
}

// Close releases the underlying Docker client connection.
func (s *Supervisor) Close() error {
	if s.cli != nil {
		return s.cli.Close()
	}
	return nil
}

// isImageAllowed matches image against every configured glob. Per
// spec.md §4.2, a tag-less pattern does not implicitly allow any tag —
// doublestar.Match is an exact match, not a prefix match, so
// "nvidia/cuda" would only match the literal image "nvidia/cuda", not
// "nvidia/cuda:12.1". Patterns must spell out ":*" to allow any tag.
func (s *Supervisor) isImageAllowed(ref string) bool {
	s.imagesMu.RLock()
	patterns := s.allowedImages
	s.imagesMu.RUnlock()

	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, ref); err == nil && ok {
			return true
		}
	}
	return false
}

// SetAllowedImages replaces the allow-list glob patterns, applied
// atomically for subsequent Start calls. Used by update_config
// (spec.md §4.5).
func (s *Supervisor) SetAllowedImages(patterns []string) {
	s.imagesMu.Lock()
	s.allowedImages = patterns
	s.imagesMu.Unlock()
}

func (s *Supervisor) ensureImage(ctx context.Context, ref string) error {
	if _, err := s.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}

	log.Info().Str("image", ref).Msg("image not found locally, pulling")
	reader, err := s.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return &ImagePullFailed{Image: ref, Err: err}
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return &ImagePullFailed{Image: ref, Err: err}
	}
	log.Info().Str("image", ref).Msg("image pulled")
	return nil
}

// Start validates the image against the allow-list, ensures it is
// present locally, creates a detached container with the requested GPU
// device request and port bindings, and starts it with the teacher's
// exponential-backoff retry. On success it records the rental_id ->
// container_id mapping.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (containerID string, ports map[string]int, err error) {
	if !s.isImageAllowed(spec.Image) {
		s.imagesMu.RLock()
		patterns := s.allowedImages
		s.imagesMu.RUnlock()
		return "", nil, &ImageNotAllowed{Image: spec.Image, Patterns: patterns}
	}

	if err := s.ensureImage(ctx, spec.Image); err != nil {
		return "", nil, err
	}

	containerConfig, hostConfig, err := s.buildConfig(spec)
	if err != nil {
		return "", nil, &ContainerStartFailed{Err: err}
	}

	resp, err := s.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.RentalID)
	if err != nil {
		return "", nil, &ContainerStartFailed{Err: err}
	}
	containerID = resp.ID

	if err := s.startWithRetry(ctx, containerID); err != nil {
		return "", nil, &ContainerStartFailed{Err: err}
	}

	s.mu.Lock()
	s.rentals[spec.RentalID] = containerID
	s.mu.Unlock()

	info, err := s.InspectRaw(ctx, containerID)
	if err != nil {
		return containerID, nil, &ContainerStartFailed{Err: err}
	}
	return containerID, info, nil
}

func (s *Supervisor) buildConfig(spec StartSpec) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(spec.EnvVars))
	for k, v := range spec.EnvVars {
		env = append(env, k+"="+v)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.PortMapping {
		portKey, err := nat.NewPort("tcp", containerPort)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %q: %w", containerPort, err)
		}
		exposed[portKey] = struct{}{}
		binding := nat.PortBinding{HostIP: "0.0.0.0"}
		if hostPort != 0 {
			binding.HostPort = strconv.Itoa(hostPort)
		}
		bindings[portKey] = append(bindings[portKey], binding)
	}

	containerConfig := &container.Config{
		Image:        spec.Image,
		Env:          env,
		ExposedPorts: exposed,
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(s.networkMode),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(s.restartPolicy),
		},
		PortBindings: bindings,
		Resources:    container.Resources{},
	}

	if spec.Limits.CPUCores > 0 {
		hostConfig.Resources.NanoCPUs = spec.Limits.CPUCores * 1e9
	}
	if spec.Limits.RAMLimit != "" {
		if bytes, err := parseMemory(spec.Limits.RAMLimit); err == nil {
			hostConfig.Resources.Memory = bytes
		}
	}
	if len(spec.Limits.GPUIndices) > 0 {
		hostConfig.Resources.DeviceRequests = []container.DeviceRequest{
			{
				DeviceIDs:    spec.Limits.GPUIndices,
				Capabilities: [][]string{{"gpu"}},
			},
		}
	}

	return containerConfig, hostConfig, nil
}

// startWithRetry mirrors the teacher's StartContainer: up to 30s of
// exponential backoff, since a just-created container occasionally needs
// a moment before the daemon accepts the start call.
func (s *Supervisor) startWithRetry(ctx context.Context, containerID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		return s.cli.ContainerStart(ctx, containerID, container.StartOptions{})
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to start container after retries: %w", err)
	}
	return nil
}

// Stop stops containerID. graceful sends SIGTERM and waits up to timeout
// before the daemon escalates to SIGKILL; non-graceful kills immediately.
// A "not found" daemon response is treated as success, per spec.md §4.2.
func (s *Supervisor) Stop(ctx context.Context, containerID string, graceful bool, timeout time.Duration) error {
	var err error
	if graceful {
		t := int(timeout.Seconds())
		err = s.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &t})
	} else {
		err = s.cli.ContainerKill(ctx, containerID, "SIGKILL")
	}
	if err != nil {
		if client.IsErrNotFound(err) {
			s.untrack(containerID)
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	s.untrack(containerID)
	return nil
}

// Remove removes a stopped container. "Not found" is success.
func (s *Supervisor) Remove(ctx context.Context, containerID string, force bool) error {
	err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{RemoveVolumes: true, Force: force})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	s.untrack(containerID)
	return nil
}

// Logs returns up to tail lines of container output.
func (s *Supervisor) Logs(ctx context.Context, containerID string, tail int, timestamps bool) (string, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: timestamps,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	reader, err := s.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read logs: %w", err)
	}
	return string(data), nil
}

// Status returns the container's state string, or "" if it no longer
// exists.
func (s *Supervisor) Status(ctx context.Context, containerID string) (string, error) {
	inspect, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to inspect container: %w", err)
	}
	if inspect.ContainerJSONBase == nil || inspect.State == nil {
		return "", nil
	}
	return inspect.State.Status, nil
}

// Ports returns the container's current container-port -> host-port
// bindings.
func (s *Supervisor) Ports(ctx context.Context, containerID string) (map[string]int, error) {
	return s.InspectRaw(ctx, containerID)
}

// InspectRaw resolves the live host-port bindings for every exposed
// container port.
func (s *Supervisor) InspectRaw(ctx context.Context, containerID string) (map[string]int, error) {
	inspect, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	ports := map[string]int{}
	if inspect.NetworkSettings != nil {
		for containerPort, bindings := range inspect.NetworkSettings.Ports {
			if len(bindings) == 0 {
				continue
			}
			if hostPort, err := strconv.Atoi(bindings[0].HostPort); err == nil {
				ports[containerPort.Port()] = hostPort
			}
		}
	}
	return ports, nil
}

// Info returns State and Health for containerID.
func (s *Supervisor) Info(ctx context.Context, containerID string) (Info, error) {
	inspect, err := s.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return Info{ContainerID: containerID}, nil
		}
		return Info{}, fmt.Errorf("failed to inspect container: %w", err)
	}

	info := Info{ContainerID: containerID}
	if inspect.State != nil {
		info.State = inspect.State.Status
		if inspect.State.Health != nil {
			info.Health = inspect.State.Health.Status
		}
	}
	return info, nil
}

// Active returns the rental_id -> container_id map, after pruning
// entries whose container no longer exists, per spec.md §4.2 and
// original_source/docker_manager.py::list_active_rentals.
func (s *Supervisor) Active(ctx context.Context) map[string]string {
	s.mu.Lock()
	snapshot := make(map[string]string, len(s.rentals))
	for rentalID, containerID := range s.rentals {
		snapshot[rentalID] = containerID
	}
	s.mu.Unlock()

	active := make(map[string]string, len(snapshot))
	stale := []string{}
	for rentalID, containerID := range snapshot {
		status, err := s.Status(ctx, containerID)
		if err == nil && status != "" {
			active[rentalID] = containerID
		} else {
			stale = append(stale, rentalID)
		}
	}

	if len(stale) > 0 {
		s.mu.Lock()
		for _, rentalID := range stale {
			delete(s.rentals, rentalID)
		}
		s.mu.Unlock()
	}

	return active
}

// ReapExited removes every tracked container in a terminal state
// (exited, dead) and returns their ids, mirroring
// original_source/docker_manager.py::cleanup_stopped_containers.
func (s *Supervisor) ReapExited(ctx context.Context) []string {
	s.mu.Lock()
	snapshot := make(map[string]string, len(s.rentals))
	for rentalID, containerID := range s.rentals {
		snapshot[rentalID] = containerID
	}
	s.mu.Unlock()

	var removed []string
	for rentalID, containerID := range snapshot {
		status, err := s.Status(ctx, containerID)
		if err != nil || (status != "exited" && status != "dead") {
			continue
		}
		if err := s.Remove(ctx, containerID, false); err == nil {
			removed = append(removed, containerID)
			s.untrackRental(rentalID)
		}
	}
	return removed
}

// Track records a rental_id -> container_id mapping directly, without
// starting or inspecting a container.
func (s *Supervisor) Track(rentalID, containerID string) {
	s.mu.Lock()
	s.rentals[rentalID] = containerID
	s.mu.Unlock()
}

func (s *Supervisor) untrack(containerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for rentalID, id := range s.rentals {
		if id == containerID {
			delete(s.rentals, rentalID)
			return
		}
	}
}

func (s *Supervisor) untrackRental(rentalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rentals, rentalID)
}

// parseMemory parses Docker-style memory strings ("16g", "512m",
// "2048k", or a bare byte count) into a byte count.
func parseMemory(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty memory limit")
	}
	suffix := s[len(s)-1]
	var mult int64 = 1
	numPart := s
	switch suffix {
	case 'g', 'G':
		mult = 1024 * 1024 * 1024
		numPart = s[:len(s)-1]
	case 'm', 'M':
		mult = 1024 * 1024
		numPart = s[:len(s)-1]
	case 'k', 'K':
		mult = 1024
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return n * mult, nil
}
