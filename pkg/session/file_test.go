package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackendContract(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)
	runBackendContract(t, b)
}

func TestFileBackendSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b, err := NewFileBackend(dir, nil)
	require.NoError(t, err)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, b.Put(ctx, &Record{Username: "alice", Session: []byte("s"), Proxy: "1.1.1.1:6969", Timestamp: ts}))

	reopened, err := NewFileBackend(dir, nil)
	require.NoError(t, err)
	rec, err := reopened.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("s"), rec.Session)
	assert.True(t, ts.Equal(rec.Timestamp))

	load, err := reopened.ProxyLoad(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, load["1.1.1.1:6969"])
}

func TestFileBackendLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, nil)
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, &Record{Username: "alice", Session: []byte("s"), Proxy: "1.1.1.1:6969", Timestamp: time.Now()}))

	data, err := os.ReadFile(filepath.Join(dir, "alice.json"))
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.ElementsMatch(t, []string{"session", "proxy", "timestamp", "password"}, keys(doc))

	info, err := os.Stat(filepath.Join(dir, "alice.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(dir, "alice.json.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileBackendSkipsJunk(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob.json"), []byte(`{"session":null,"proxy":"2.2.2.2:6969","timestamp":"2024-01-01T00:00:00Z","password":""}`), 0600))

	b, err := NewFileBackend(dir, nil)
	require.NoError(t, err)

	names, err := b.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, names)
}

func TestFileBackendRejectsPathNames(t *testing.T) {
	b, err := NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Error(t, b.Put(context.Background(), &Record{Username: "../escape"}))
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
