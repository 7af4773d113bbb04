package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunPrintsUsageWithoutCommand(t *testing.T) {
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	require.Equal(t, 2, run(nil, stdout, stderr))
	require.Contains(t, stderr.String(), "usage: barstockctl")
	require.Empty(t, stdout.String())
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	t.Setenv("PG_DSN", "postgres://localhost/barstock")
	stderr := new(bytes.Buffer)
	require.Equal(t, 2, run([]string{"reticulate"}, new(bytes.Buffer), stderr))
	require.Contains(t, stderr.String(), "jobs trigger")
}
