package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeRun(t *testing.T) string {
	t.Helper()
	out, err := testWriter(t).Write(context.Background(), Input{RunID: "run", Report: testReport()})
	require.NoError(t, err)
	return out.Dir
}

func TestVerify_MissingManifest(t *testing.T) {
	_, err := Verify(t.TempDir())
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestVerify_TamperedFile(t *testing.T) {
	dir := writeRun(t)
	f, err := os.OpenFile(filepath.Join(dir, FileFolds), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("2024-01-09,,,true,no_history,0,1,0\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Verify(dir)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Contains(t, err.Error(), FileFolds)
}

func TestVerify_DeletedFile(t *testing.T) {
	dir := writeRun(t)
	require.NoError(t, os.Remove(filepath.Join(dir, FileSummary)))

	_, err := Verify(dir)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Contains(t, err.Error(), "missing")
}

func TestVerify_ManifestNotComplete(t *testing.T) {
	dir := writeRun(t)
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	m.Complete = false
	data, err := yaml.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileManifest), data, 0o644))

	_, err = Verify(dir)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestVerify_ManifestMissingEntry(t *testing.T) {
	dir := writeRun(t)
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	m.Files = m.Files[:1]
	data, err := yaml.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileManifest), data, 0o644))

	_, err = Verify(dir)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Contains(t, err.Error(), "does not list")
}

func TestVerify_GarbledManifest(t *testing.T) {
	dir := writeRun(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileManifest), []byte("files: [unclosed"), 0o644))
	_, err := Verify(dir)
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestReadManifest_RoundTripsCreatedAt(t *testing.T) {
	dir := writeRun(t)
	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-01T12:00:00Z", m.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	for _, f := range m.Files {
		assert.Len(t, f.SHA256, 64)
		assert.Greater(t, f.Size, int64(0))
	}
}
