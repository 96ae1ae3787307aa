package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeItemsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "items.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadItems_FillsDefaults(t *testing.T) {
	path := writeItemsFile(t, `[
		{"content": "URGENT: server down"},
		{"id": "custom-id", "content": "invoice attached", "metadata": {"from": "billing@acme.com"}}
	]`)

	items, err := readItems(path)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.NotEmpty(t, items[0].ID)
	assert.False(t, items[0].ReceivedAt.IsZero())

	assert.Equal(t, "custom-id", items[1].ID)
	assert.Equal(t, "billing@acme.com", items[1].Metadata["from"])
}

func TestReadItems_SkipsEmptyContent(t *testing.T) {
	path := writeItemsFile(t, `[
		{"content": ""},
		{"content": "real item"}
	]`)

	items, err := readItems(path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "real item", items[0].Content)
}

func TestReadItems_PreservesTimestamps(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal([]itemInput{{Content: "old item", ReceivedAt: received}})
	require.NoError(t, err)

	items, err := readItems(writeItemsFile(t, string(raw)))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, received, items[0].ReceivedAt)
}

func TestReadItems_InvalidJSON(t *testing.T) {
	_, err := readItems(writeItemsFile(t, "not json"))
	require.Error(t, err)
}

func TestReadItems_MissingFile(t *testing.T) {
	_, err := readItems(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
