// Package tunnel implements the Tunnel Supervisor (spec.md §4.3): one
// frpc child process per rental, reverse-tunneling container ports
// through the relay so the backend can reach them without any inbound
// connectivity on the host.
//
// Built fresh (the teacher has no process-supervision analogue) grounded
// on original_source/tunnel.py: binary resolution order, the per-rental
// INI config file, and the terminate/wait/kill/wait teardown sequence.
package tunnel

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gpufleet/node-agent/internal/logging"
)

var log = logging.WithComponent("tunnel")

// FRPCNotFound is returned when the tunnel binary cannot be located by
// any of the resolution steps.
type FRPCNotFound struct {
	ConfiguredPath string
}

func (e *FRPCNotFound) Error() string {
	return fmt.Sprintf("frpc binary not found (configured path %q); install FRP or set frp.frpc_path", e.ConfiguredPath)
}

// Status is a tunnel's reported lifecycle state.
type Status string

const (
	StatusNotFound   Status = "not_found"
	StatusRunning    Status = "running"
	StatusExitedOK   Status = "exited_ok"
	statusExitedFmt         = "exited_code_%d"
)

type tunnelProc struct {
	cmd        *exec.Cmd
	configPath string

	mu       sync.Mutex
	exited   bool
	exitCode int
	done     chan struct{}
}

// Config is the relay connection the Supervisor dials every tunnel
// through.
type Config struct {
	ServerAddr string
	ServerPort int
	Token      string
	FRPCPath   string // explicit override; empty defers to PATH/common locations
}

// Supervisor owns per-rental frpc child processes and their generated
// config files.
type Supervisor struct {
	cfg Config

	frpcOnce sync.Once
	frpcPath string
	frpcErr  error

	mu      sync.Mutex
	tunnels map[string]*tunnelProc
}

// New constructs a Supervisor bound to cfg.
func New(cfg Config) *Supervisor {
	return &Supervisor{cfg: cfg, tunnels: make(map[string]*tunnelProc)}
}

var commonBinaryLocations = []string{
	"/usr/local/bin/frpc",
	"/usr/bin/frpc",
}

// resolveBinary finds the frpc executable: explicit config path, then
// PATH, then a fixed list of common locations, per spec.md §4.3. The
// result is cached for the Supervisor's lifetime.
func (s *Supervisor) resolveBinary() (string, error) {
	s.frpcOnce.Do(func() {
		if s.cfg.FRPCPath != "" {
			if isExecutable(s.cfg.FRPCPath) {
				s.frpcPath = s.cfg.FRPCPath
				return
			}
			log.Warn().Str("path", s.cfg.FRPCPath).Msg("configured frpc path not valid")
		}

		if found, err := exec.LookPath("frpc"); err == nil {
			s.frpcPath = found
			log.Info().Str("path", found).Msg("found frpc in PATH")
			return
		}

		locations := append([]string{}, commonBinaryLocations...)
		if home, err := os.UserHomeDir(); err == nil {
			locations = append(locations, filepath.Join(home, ".local/bin/frpc"))
		}
		locations = append(locations, "./frpc", "./bin/frpc")

		for _, path := range locations {
			if isExecutable(path) {
				s.frpcPath = path
				log.Info().Str("path", path).Msg("found frpc")
				return
			}
		}

		s.frpcErr = &FRPCNotFound{ConfiguredPath: s.cfg.FRPCPath}
	})
	return s.frpcPath, s.frpcErr
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// generateConfig renders the frpc INI file for a rental, exactly per
// spec.md §6's "Tunnel config file format".
func generateConfig(cfg Config, rentalID string, portMapping, localPorts map[string]int) string {
	var b strings.Builder
	b.WriteString("[common]\n")
	fmt.Fprintf(&b, "server_addr = %s\n", cfg.ServerAddr)
	fmt.Fprintf(&b, "server_port = %d\n", cfg.ServerPort)
	if cfg.Token != "" {
		fmt.Fprintf(&b, "token = %s\n", cfg.Token)
	}
	b.WriteString("\n")

	prefix := rentalID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}

	ports := make([]string, 0, len(portMapping))
	for p := range portMapping {
		ports = append(ports, p)
	}
	sort.Strings(ports)

	for _, containerPort := range ports {
		publicPort := portMapping[containerPort]
		localPort := localPorts[containerPort]
		if localPort == 0 {
			localPort, _ = strconv.Atoi(containerPort)
		}
		fmt.Fprintf(&b, "[%s_%s]\n", prefix, containerPort)
		b.WriteString("type = tcp\n")
		b.WriteString("local_ip = 127.0.0.1\n")
		fmt.Fprintf(&b, "local_port = %d\n", localPort)
		fmt.Fprintf(&b, "remote_port = %d\n\n", publicPort)
	}

	return b.String()
}

// Create writes a tunnel config for rentalID and spawns frpc against it.
// If localPorts is nil, each container port defaults to itself
// (identity mapping). Idempotent: if a tunnel already exists for
// rentalID, this logs and returns without action.
func (s *Supervisor) Create(rentalID string, portMapping map[string]int, localPorts map[string]int) error {
	s.mu.Lock()
	if _, exists := s.tunnels[rentalID]; exists {
		s.mu.Unlock()
		log.Warn().Str("rental_id", rentalID).Msg("tunnel already exists for rental")
		return nil
	}
	s.mu.Unlock()

	if localPorts == nil {
		localPorts = make(map[string]int, len(portMapping))
		for p := range portMapping {
			if n, err := strconv.Atoi(p); err == nil {
				localPorts[p] = n
			}
		}
	}

	binary, err := s.resolveBinary()
	if err != nil {
		return err
	}

	content := generateConfig(s.cfg, rentalID, portMapping, localPorts)

	prefix := rentalID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	configFile, err := os.CreateTemp("", fmt.Sprintf("frpc_%s_*.ini", prefix))
	if err != nil {
		return fmt.Errorf("failed to create tunnel config file: %w", err)
	}
	configPath := configFile.Name()
	if _, err := configFile.WriteString(content); err != nil {
		configFile.Close()
		os.Remove(configPath)
		return fmt.Errorf("failed to write tunnel config: %w", err)
	}
	configFile.Close()

	cmd := exec.Command(binary, "-c", configPath)
	if err := cmd.Start(); err != nil {
		os.Remove(configPath)
		if errors.Is(err, exec.ErrNotFound) {
			return &FRPCNotFound{ConfiguredPath: binary}
		}
		return fmt.Errorf("failed to start tunnel: %w", err)
	}

	t := &tunnelProc{cmd: cmd, configPath: configPath, done: make(chan struct{})}
	s.mu.Lock()
	s.tunnels[rentalID] = t
	s.mu.Unlock()

	log.Info().
		Str("rental_id", rentalID).
		Int("pid", cmd.Process.Pid).
		Str("server", fmt.Sprintf("%s:%d", s.cfg.ServerAddr, s.cfg.ServerPort)).
		Msg("tunnel started")

	go t.reap()

	return nil
}

// reap is the single goroutine allowed to call cmd.Wait — exec.Cmd
// forbids concurrent waiters. Destroy and Status read the recorded
// exit state instead of waiting themselves.
func (t *tunnelProc) reap() {
	_ = t.cmd.Wait()
	t.mu.Lock()
	t.exited = true
	if t.cmd.ProcessState != nil {
		t.exitCode = t.cmd.ProcessState.ExitCode()
	}
	t.mu.Unlock()
	close(t.done)
}

// Destroy terminates rentalID's tunnel: SIGTERM, wait up to 5s, SIGKILL,
// wait up to 2s, then removes the config file. Missing rentals are a
// no-op. Wait errors are swallowed, per spec.md §4.3.
func (s *Supervisor) Destroy(rentalID string) {
	s.mu.Lock()
	t, exists := s.tunnels[rentalID]
	if exists {
		delete(s.tunnels, rentalID)
	}
	s.mu.Unlock()

	if !exists {
		log.Debug().Str("rental_id", rentalID).Msg("no tunnel found for rental")
		return
	}

	log.Info().Str("rental_id", rentalID).Int("pid", t.cmd.Process.Pid).Msg("destroying tunnel")

	_ = t.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-t.done:
	case <-time.After(5 * time.Second):
		_ = t.cmd.Process.Kill()
		select {
		case <-t.done:
		case <-time.After(2 * time.Second):
		}
	}

	if t.configPath != "" {
		os.Remove(t.configPath)
	}

	log.Info().Str("rental_id", rentalID).Msg("tunnel destroyed")
}

// DestroyAll tears down every active tunnel.
func (s *Supervisor) DestroyAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tunnels))
	for id := range s.tunnels {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Destroy(id)
	}
}

// Status reports rentalID's tunnel state.
func (s *Supervisor) Status(rentalID string) Status {
	s.mu.Lock()
	t, exists := s.tunnels[rentalID]
	s.mu.Unlock()

	if !exists {
		return StatusNotFound
	}

	t.mu.Lock()
	exited, exitCode := t.exited, t.exitCode
	t.mu.Unlock()

	if !exited {
		return StatusRunning
	}
	if exitCode == 0 {
		return StatusExitedOK
	}
	return Status(fmt.Sprintf(statusExitedFmt, exitCode))
}

// Active returns rental_id -> pid for every tunnel still running,
// pruning (and cleaning up the config file for) any dead entries found
// along the way.
func (s *Supervisor) Active() map[string]int {
	s.mu.Lock()
	snapshot := make(map[string]*tunnelProc, len(s.tunnels))
	for id, t := range s.tunnels {
		snapshot[id] = t
	}
	s.mu.Unlock()

	active := make(map[string]int, len(snapshot))
	var dead []string
	for id, t := range snapshot {
		t.mu.Lock()
		exited := t.exited
		t.mu.Unlock()
		if !exited {
			active[id] = t.cmd.Process.Pid
		} else {
			dead = append(dead, id)
		}
	}

	if len(dead) > 0 {
		s.mu.Lock()
		for _, id := range dead {
			if t, ok := s.tunnels[id]; ok {
				log.Warn().Str("rental_id", id).Msg("found dead tunnel, cleaning up")
				if t.configPath != "" {
					os.Remove(t.configPath)
				}
				delete(s.tunnels, id)
			}
		}
		s.mu.Unlock()
	}

	return active
}

// HealthCheck reports the Status of every tracked tunnel.
func (s *Supervisor) HealthCheck() map[string]Status {
	s.mu.Lock()
	ids := make([]string, 0, len(s.tunnels))
	for id := range s.tunnels {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	results := make(map[string]Status, len(ids))
	for _, id := range ids {
		results[id] = s.Status(id)
	}
	return results
}
