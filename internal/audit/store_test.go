package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nova-labs/ttsrelay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(context.Background(), config.AuditConfig{
		Path:          path,
		RetentionMode: "persistent",
		RetentionDays: 14,
	}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, Record{Kind: "speech", Fingerprint: "fp1", Backend: "http://a", Status: "ok", LatencyMS: 120}))
	require.NoError(t, s.Append(ctx, Record{Kind: "chat", Status: "error", ErrorKind: "upstream", LatencyMS: 50}))

	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "chat", records[0].Kind, "expected newest-first ordering")
}

func TestEphemeralModeIsNoOp(t *testing.T) {
	s, err := Open(context.Background(), config.AuditConfig{RetentionMode: "ephemeral"}, testLogger())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(context.Background(), Record{Kind: "speech", Status: "ok"}))
	records, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Nil(t, records, "expected nil records in ephemeral mode")
}

func TestPruneRemovesOldRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.clock = func() time.Time { return time.Now().Add(-30 * 24 * time.Hour) }
	require.NoError(t, s.Append(ctx, Record{Kind: "speech", Status: "ok"}))

	s.clock = time.Now
	require.NoError(t, s.Prune(ctx))

	records, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, records, "expected old record pruned")
}
