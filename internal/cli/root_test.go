package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "stravasync", cmd.Use)
	assert.Contains(t, cmd.Long, "canonical table")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"pull", "watermark", "compact", "reconcile", "flow", "status"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestReconcileCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	reconcileCmd, _, err := cmd.Find([]string{"reconcile"})
	require.NoError(t, err)

	tests := []struct {
		flag string
		def  string
	}{
		{"window", ""},
		{"all", "false"},
		{"ids", "[]"},
		{"dry-run", "false"},
		{"include-efforts", "false"},
		{"max-calls", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.flag, func(t *testing.T) {
			f := reconcileCmd.Flags().Lookup(tt.flag)
			require.NotNil(t, f)
			assert.Equal(t, tt.def, f.DefValue)
		})
	}
}

func TestPullCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	pullCmd, _, err := cmd.Find([]string{"pull"})
	require.NoError(t, err)

	for _, name := range []string{"all", "per-page", "skip-refresh", "owner-id", "max-calls"} {
		assert.NotNil(t, pullCmd.Flags().Lookup(name), "flag %s", name)
	}
}

func TestFlowCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	flowCmd, _, err := cmd.Find([]string{"flow"})
	require.NoError(t, err)

	for _, name := range []string{"all", "skip-refresh", "skip-reconcile", "include-efforts", "max-calls"} {
		assert.NotNil(t, flowCmd.Flags().Lookup(name), "flag %s", name)
	}
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"status", "--format", "yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
}
