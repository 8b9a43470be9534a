package txlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txlog.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, l.Append(at, []json.RawMessage{
		json.RawMessage(`{"kind":"ROBOT_UPSERT","robotId":"r1"}`),
	}))
	require.NoError(t, l.Append(at, []json.RawMessage{
		json.RawMessage(`{"kind":"OPERATOR_UPSERT","operatorId":"o1"}`),
		json.RawMessage(`{"kind":"OPERATOR_UPSERT","operatorId":"o2"}`),
	}))

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].V)
	assert.Equal(t, "2026-01-02T03:04:05.000Z", records[0].At)
	assert.Len(t, records[1].Ops, 2)
}

func TestLoadMissingFile(t *testing.T) {
	records, err := Load(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoadToleratesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txlog.jsonl")
	content := `{"v":1,"at":"2026-01-02T03:04:05.000Z","ops":[{"kind":"ROBOT_UPSERT","robotId":"r1"}]}` + "\n" +
		`{"v":1,"at":"2026-01-02T03:04:06.00` // crash mid-append
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	records, err := Load(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestLoadRejectsMidFileCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txlog.jsonl")
	content := `{"v":1,"at":"2026-01-02T03:04:05.000Z","ops":[]}` + "\n" +
		`not json at all` + "\n" +
		`{"v":1,"at":"2026-01-02T03:04:06.000Z","ops":[]}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txlog.jsonl")
	content := `{"v":2,"at":"2026-01-02T03:04:05.000Z","ops":[]}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "version")
}
