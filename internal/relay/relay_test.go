// ABOUTME: Tests for relay bootstrap
// ABOUTME: Restart recovery, compaction on start, log locking and the sqlite backend

package relay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/queue-relay/internal/config"
	"github.com/2389/queue-relay/internal/store"
	"github.com/2389/queue-relay/internal/storelog"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StoreLog.Path = filepath.Join(t.TempDir(), "data", "queues.log")
	cfg.StoreLog.CompactOnStart = false
	return cfg
}

func bootstrap(t *testing.T, cfg *config.Config) *Relay {
	t.Helper()
	r, err := Bootstrap(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestBootstrap_RestartRecoversState(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)

	first := bootstrap(t, cfg)
	assert.Zero(t, first.Replay.Lines)

	q1, err := first.Service.AddQueue(ctx, queueRec("r1", "s1", "k1"))
	require.NoError(t, err)
	_, err = first.Service.AddQueue(ctx, queueRec("r2", "s2", "k2"))
	require.NoError(t, err)
	_, err = first.Service.SecureQueue(ctx, q1, []byte("sk1"))
	require.NoError(t, err)
	_, err = first.Service.AddQueueNotifier(ctx, q1, &store.NtfCreds{NotifierID: []byte("n1"), NotifierKey: []byte("nk")})
	require.NoError(t, err)
	want, err := first.Service.Queues(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := bootstrap(t, cfg)
	assert.Equal(t, 4, second.Replay.Applied)

	got, err := second.Service.Queues(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]))
	}

	q, err := second.Service.GetQueue(ctx, store.RoleNotifier, []byte("n1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), q.RecipientID())
}

func TestBootstrap_CompactOnStart(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)

	first := bootstrap(t, cfg)
	for _, id := range []string{"a", "b", "c"} {
		_, err := first.Service.AddQueue(ctx, queueRec("r"+id, "s"+id, "k"))
		require.NoError(t, err)
	}
	qb, err := first.Service.GetQueue(ctx, store.RoleRecipient, []byte("rb"))
	require.NoError(t, err)
	_, err = first.Service.DeleteQueue(ctx, qb)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	cfg.StoreLog.CompactOnStart = true
	second := bootstrap(t, cfg)
	require.NotEmpty(t, second.Backup)
	assert.True(t, strings.HasPrefix(second.Backup, cfg.StoreLog.Path+"."))

	backup, err := os.ReadFile(second.Backup)
	require.NoError(t, err)
	assert.Equal(t, 4, strings.Count(string(backup), "\n"))

	compacted, err := os.ReadFile(cfg.StoreLog.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(compacted), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "CREATE "))
	}

	// New mutations append after the snapshot.
	qa, err := second.Service.GetQueue(ctx, store.RoleRecipient, []byte("ra"))
	require.NoError(t, err)
	_, err = second.Service.SuspendQueue(ctx, qa)
	require.NoError(t, err)
	require.NoError(t, second.Close())

	third := bootstrap(t, cfg)
	assert.Equal(t, 3, third.Replay.Applied)
	rec, err := third.Service.Queues(ctx)
	require.NoError(t, err)
	require.Len(t, rec, 2)
	assert.Equal(t, store.StatusSuspended, rec[0].Status)
}

func TestBootstrap_SkipsBadLines(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.StoreLog.Path), 0755))

	content := strings.Join([]string{
		storelog.Encode(storelog.CreateQueue{Queue: queueRec("r1", "s1", "k")}),
		"garbage",
		storelog.Encode(storelog.SuspendQueue{RecipientID: []byte("missing")}),
		storelog.Encode(storelog.SuspendQueue{RecipientID: []byte("r1")}),
	}, "\n") + "\n"
	require.NoError(t, os.WriteFile(cfg.StoreLog.Path, []byte(content), 0600))

	r := bootstrap(t, cfg)
	assert.Equal(t, 4, r.Replay.Lines)
	assert.Equal(t, 2, r.Replay.Applied)
	assert.Equal(t, 1, r.Replay.Malformed)
	assert.Equal(t, 1, r.Replay.Skipped)

	st, err := r.Service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Suspended)
}

func TestBootstrap_LogLocked(t *testing.T) {
	cfg := memoryConfig(t)
	bootstrap(t, cfg)

	_, err := Bootstrap(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, storelog.ErrLocked)
}

func TestBootstrap_UnreadableLogIsFatal(t *testing.T) {
	cfg := memoryConfig(t)
	// A directory where the log file should be cannot be read as a log.
	require.NoError(t, os.MkdirAll(cfg.StoreLog.Path, 0755))

	_, err := Bootstrap(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestBootstrap_NoLog(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.StoreLog.Path = ""

	r := bootstrap(t, cfg)
	assert.Nil(t, r.Replay)
	assert.Empty(t, r.LogPath())

	_, err := r.Service.AddQueue(ctx, queueRec("r", "s", "k"))
	require.NoError(t, err)
}

func TestBootstrap_SQLiteBackend(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store.Backend = config.BackendSQLite
	cfg.Store.SQLitePath = filepath.Join(dir, "queues.db")
	cfg.StoreLog.Path = filepath.Join(dir, "audit.log")

	first := bootstrap(t, cfg)
	assert.Nil(t, first.Replay, "sqlite stores are not replayed")
	q, err := first.Service.AddQueue(ctx, queueRec("r1", "s1", "k"))
	require.NoError(t, err)
	_, err = first.Service.UpdateQueueTime(ctx, q, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	audit, err := os.ReadFile(cfg.StoreLog.Path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(audit), "\n"))

	second := bootstrap(t, cfg)
	got, err := second.Service.Queues(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), got[0].UpdatedAt)

	// The audit log is appended to, never rewritten.
	audit, err = os.ReadFile(cfg.StoreLog.Path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(audit), "\n"))
}
