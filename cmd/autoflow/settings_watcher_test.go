package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchSettings(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes, err := watchSettings(ctx, dir, 20*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vault.salt"), []byte("x"), 0o600))
	select {
	case <-changes:
		t.Fatal("unexpected signal for an unrelated file")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(settingsPath(dir), []byte(`{"log_level":"debug"}`), 0o600))
	select {
	case <-changes:
	case <-time.After(2 * time.Second):
		t.Fatal("no signal after settings.json was written")
	}
}
