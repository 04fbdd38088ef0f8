package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gpufleet/node-agent/internal/config"
)

func TestRootCmd_VersionSubcommandRuns(t *testing.T) {
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"version"})

	err := rootCmd.Execute()

	assert.NoError(t, err)
}

func TestRootCmd_StubSubcommandsRunWithoutError(t *testing.T) {
	for _, use := range []string{"status", "setup", "stop"} {
		buf := &bytes.Buffer{}
		rootCmd.SetOut(buf)
		rootCmd.SetArgs([]string{use})

		err := rootCmd.Execute()

		assert.NoError(t, err, "subcommand %q", use)
	}
}

func TestDefaultsAreMissingRequiredFields(t *testing.T) {
	// Mirrors the check runAgent performs before wiring the orchestrator:
	// an unconfigured agent must fail fast rather than dial with an empty
	// node id or API key.
	missing := config.Defaults().ValidateRequired()

	assert.Contains(t, missing, "backend.api_key")
	assert.Contains(t, missing, "node.id")
	assert.Contains(t, missing, "frp.token")
}
