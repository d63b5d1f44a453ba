package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := run(context.Background(), args, &out, &errOut)
	return out.String(), err
}

func TestRun_Usage(t *testing.T) {
	_, err := runCLI(t)
	assert.ErrorIs(t, err, errUsage)

	_, err = runCLI(t, "launch")
	assert.ErrorIs(t, err, errUsage)
}

func TestHashKey(t *testing.T) {
	out, err := runCLI(t, "hash-key", "campus-secret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("campus-secret")))

	_, err = runCLI(t, "hash-key")
	assert.Error(t, err)
}

func TestMarketLifecycle(t *testing.T) {
	t.Setenv("CAMPUS_DATABASE_DRIVER", "sqlite")
	t.Setenv("CAMPUS_DATABASE_SQLITE_PATH", filepath.Join(t.TempDir(), "clash.db"))

	out, err := runCLI(t, "admin", "-name", "registrar")
	require.NoError(t, err)
	admin := strings.TrimSpace(out)
	require.NotEmpty(t, admin)

	out, err = runCLI(t, "market", "-actor", admin, "-title", "Will the library open late?", "-stake", "10")
	require.NoError(t, err)
	market := strings.TrimSpace(out)

	out, err = runCLI(t, "pools", "-status", "open")
	require.NoError(t, err)
	assert.Contains(t, out, market)

	out, err = runCLI(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "closed 0 market(s)")

	_, err = runCLI(t, "settle", "-market", market)
	assert.Error(t, err)

	at := time.Now().UTC().Format(time.RFC3339)
	out, err = runCLI(t, "settle", "-market", market, "-winner", "A", "-at", at, "-actor", admin)
	require.NoError(t, err)
	assert.Contains(t, out, "settled for A")

	_, err = runCLI(t, "positions", "-market", market)
	assert.NoError(t, err)

	out, err = runCLI(t, "pools", "-status", "resolved")
	require.NoError(t, err)
	assert.Contains(t, out, market)
}
