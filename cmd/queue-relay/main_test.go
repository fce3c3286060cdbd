// ABOUTME: Tests for the queue-relay CLI
// ABOUTME: Runs init and the store log subcommands through the cobra root

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/queue-relay/internal/config"
	"github.com/2389/queue-relay/internal/store"
	"github.com/2389/queue-relay/internal/storelog"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func writeLog(t *testing.T, records ...storelog.Record) string {
	t.Helper()
	var sb strings.Builder
	for _, r := range records {
		sb.WriteString(storelog.Encode(r) + "\n")
	}
	path := filepath.Join(t.TempDir(), "queues.log")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0600))
	return path
}

func queue(rid, sid string) *store.QueueRec {
	return &store.QueueRec{
		RecipientID:  []byte(rid),
		RecipientKey: []byte("rk"),
		SenderID:     []byte(sid),
		Status:       store.StatusActive,
	}
}

func TestInitCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "config.yaml")
	dataDir := filepath.Join(dir, "data")

	out, err := runCLI(t, "--config", path, "init", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dataDir, "queues.log"), cfg.StoreLog.Path)

	_, err = runCLI(t, "--config", path, "init")
	assert.Error(t, err, "existing config is not overwritten")

	_, err = runCLI(t, "--config", path, "init", "--force", "--data-dir", dataDir)
	assert.NoError(t, err)
}

func TestLogCheck(t *testing.T) {
	path := writeLog(t,
		storelog.CreateQueue{Queue: queue("r1", "s1")},
		storelog.CreateQueue{Queue: queue("r2", "s2")},
		storelog.SuspendQueue{RecipientID: []byte("r2")},
		storelog.DeleteQueue{RecipientID: []byte("r1")},
	)

	out, err := runCLI(t, "log", "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "CREATE")
	assert.Contains(t, out, "SUSPEND")
	assert.Contains(t, out, "DELETE")
}

func TestLogCheck_Strict(t *testing.T) {
	path := writeLog(t, storelog.SuspendQueue{RecipientID: []byte("missing")})
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("not a record\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := runCLI(t, "log", "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "not a record")

	_, err = runCLI(t, "log", "check", "--strict", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 malformed and 1 rejected")
}

func TestLogCheck_MissingFile(t *testing.T) {
	_, err := runCLI(t, "log", "check", filepath.Join(t.TempDir(), "nope.log"))
	assert.Error(t, err)
}

func TestLogCompact(t *testing.T) {
	path := writeLog(t,
		storelog.CreateQueue{Queue: queue("r1", "s1")},
		storelog.CreateQueue{Queue: queue("r2", "s2")},
		storelog.SecureQueue{RecipientID: []byte("r2"), SenderKey: []byte("k")},
		storelog.DeleteQueue{RecipientID: []byte("r1")},
	)

	out, err := runCLI(t, "log", "compact", "--keep", "1", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Compacted 4 lines into 1 queues")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 1)
	rec, err := storelog.Decode(lines[0])
	require.NoError(t, err)
	create, ok := rec.(storelog.CreateQueue)
	require.True(t, ok)
	assert.Equal(t, []byte("r2"), create.Queue.RecipientID)
	assert.Equal(t, []byte("k"), create.Queue.SenderKey)
}

func TestLogCompact_LockedByRunningRelay(t *testing.T) {
	path := writeLog(t, storelog.CreateQueue{Queue: queue("r1", "s1")})

	l, err := storelog.Open(path, nil)
	require.NoError(t, err)
	defer l.Close()

	_, err = runCLI(t, "log", "compact", path)
	assert.ErrorIs(t, err, storelog.ErrLocked)
}

func TestLogCompact_MissingFile(t *testing.T) {
	_, err := runCLI(t, "log", "compact", filepath.Join(t.TempDir(), "nope.log"))
	assert.Error(t, err)
}
