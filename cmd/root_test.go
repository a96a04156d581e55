package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "serve", "plan", "runs"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "callpipe", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	assert.NotNil(t, rootCmd.PersistentPreRunE)
	assert.NotNil(t, rootCmd.PersistentPostRun)
}

func TestRunCommand_Flags(t *testing.T) {
	flag := runCmd.Flags().Lookup("tag")
	require.NotNil(t, flag, "run command should have --tag flag")
	assert.Equal(t, "", flag.DefValue)

	require.NotNil(t, runCmd.Flags().Lookup("input"), "run command should have --input flag")

	storeFlag := runCmd.Flags().Lookup("store")
	require.NotNil(t, storeFlag)
	assert.Equal(t, "false", storeFlag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestPlanCommand_Flags(t *testing.T) {
	require.NotNil(t, planCmd.Flags().Lookup("tag"))
	require.NotNil(t, planCmd.Flags().Lookup("json"))
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "expected runs subcommand %q not found", name)
	}

	flag := runsListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "50", flag.DefValue)
}
