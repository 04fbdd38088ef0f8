package tunnel

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateConfig_MatchesFormat(t *testing.T) {
	cfg := Config{ServerAddr: "relay.example.com", ServerPort: 7000, Token: "secret"}

	content := generateConfig(cfg, "rental1234", map[string]int{"22": 30022, "8888": 30888}, map[string]int{"22": 55000, "8888": 55001})

	require.True(t, strings.HasPrefix(content, "[common]\n"))
	assert.Contains(t, content, "server_addr = relay.example.com\n")
	assert.Contains(t, content, "server_port = 7000\n")
	assert.Contains(t, content, "token = secret\n")
	assert.Contains(t, content, "[rental12_22]\n")
	assert.Contains(t, content, "local_port = 55000\n")
	assert.Contains(t, content, "remote_port = 30022\n")
	assert.Contains(t, content, "[rental12_8888]\n")
}

func TestGenerateConfig_OmitsTokenWhenEmpty(t *testing.T) {
	cfg := Config{ServerAddr: "relay.example.com", ServerPort: 7000}

	content := generateConfig(cfg, "r1", map[string]int{"22": 30022}, map[string]int{"22": 22})

	assert.NotContains(t, content, "token =")
}

func TestGenerateConfig_DefaultsLocalPortToContainerPort(t *testing.T) {
	cfg := Config{ServerAddr: "relay.example.com", ServerPort: 7000}

	content := generateConfig(cfg, "r1", map[string]int{"22": 30022}, map[string]int{})

	assert.Contains(t, content, "local_port = 22\n")
}

func TestResolveBinary_FailsWithoutAnyCandidate(t *testing.T) {
	t.Setenv("PATH", "")
	sup := New(Config{FRPCPath: "/nonexistent/frpc"})

	_, err := sup.resolveBinary()

	require.Error(t, err)
	var notFound *FRPCNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestDestroy_MissingRentalIsNoOp(t *testing.T) {
	sup := New(Config{ServerAddr: "relay", ServerPort: 7000})

	sup.Destroy("does-not-exist") // should not panic or block
}

func TestStatus_UnknownRentalIsNotFound(t *testing.T) {
	sup := New(Config{ServerAddr: "relay", ServerPort: 7000})

	assert.Equal(t, StatusNotFound, sup.Status("r1"))
}

func TestActive_EmptyWhenNoTunnels(t *testing.T) {
	sup := New(Config{ServerAddr: "relay", ServerPort: 7000})

	assert.Empty(t, sup.Active())
}

func TestHealthCheck_EmptyWhenNoTunnels(t *testing.T) {
	sup := New(Config{ServerAddr: "relay", ServerPort: 7000})

	assert.Empty(t, sup.HealthCheck())
}

func TestCreate_IdempotentWhenAlreadyTracked(t *testing.T) {
	sup := New(Config{ServerAddr: "relay", ServerPort: 7000})
	sup.tunnels["r1"] = &tunnelProc{done: make(chan struct{})}

	err := sup.Create("r1", map[string]int{"22": 30022}, nil)

	require.NoError(t, err)
}
