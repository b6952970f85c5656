package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatehouse.dev/internal/auth"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestHashPassword(t *testing.T) {
	out, err := execute(t, "Sup3r!secret\n", "hash-password")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, auth.VerifyPassword(hash, "Sup3r!secret"))
}

func TestHashPasswordRejectsWeakPassword(t *testing.T) {
	_, err := execute(t, "short\n", "hash-password")
	assert.ErrorIs(t, err, auth.ErrWeakPassword)
}

func TestCommandsNeedDSN(t *testing.T) {
	for _, args := range [][]string{
		{"migrate", "up", "--dsn", ""},
		{"seed", "--dsn", ""},
		{"sweep", "--dsn", ""},
	} {
		_, err := execute(t, "", args...)
		require.Error(t, err, args)
		assert.Contains(t, err.Error(), "missing DSN")
	}
}
