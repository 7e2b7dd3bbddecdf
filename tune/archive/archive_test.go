package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, p string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
}

func TestFolderSize(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), 100)
	writeFile(t, filepath.Join(dir, "sub", "b.log"), 50)

	size, err := FolderSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(150), size)

	size, err = FolderSize(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestOverLimit(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.log"), 100)

	over, size, err := OverLimit(dir, 99)
	require.NoError(t, err)
	assert.True(t, over)
	assert.Equal(t, int64(100), size)

	over, _, err = OverLimit(dir, 0)
	require.NoError(t, err)
	assert.False(t, over, "zero limit falls back to FolderLimitSize")
}

func TestBackup_CopiesFilesAndDirectories(t *testing.T) {
	// GIVEN a server log and a benchmark output directory
	src := t.TempDir()
	logFile := filepath.Join(src, "server.log")
	require.NoError(t, os.WriteFile(logFile, []byte("ready"), 0o644))
	outDir := filepath.Join(src, "bench")
	writeFile(t, filepath.Join(outDir, "nested", "result.json"), 10)
	bak := t.TempDir()

	// WHEN both are backed up under their classes
	require.NoError(t, Backup(logFile, bak, "server"))
	require.NoError(t, Backup(outDir, bak, "benchmark"))

	// THEN copies sit under <bak>/<class>/<name>
	data, err := os.ReadFile(filepath.Join(bak, "server", "server.log"))
	require.NoError(t, err)
	assert.Equal(t, "ready", string(data))
	_, err = os.Stat(filepath.Join(bak, "benchmark", "bench", "nested", "result.json"))
	assert.NoError(t, err)

	// AND a missing source is ignored
	assert.NoError(t, Backup(filepath.Join(src, "nope"), bak, "server"))
}

type fakePutter struct {
	keys   []string
	bodies map[string]string
	fail   bool
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail {
		return nil, errors.New("access denied")
	}
	body, _ := io.ReadAll(in.Body)
	key := aws.ToString(in.Key)
	f.keys = append(f.keys, key)
	if f.bodies == nil {
		f.bodies = map[string]string{}
	}
	f.bodies[key] = string(body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Uploader_UploadsTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "20250101120000-1")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "server"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server", "server.log"), []byte("log"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "params.json"), []byte("{}"), 0o644))
	client := &fakePutter{}

	n, err := NewS3UploaderWithClient(client, "bucket", "autotune").Upload(context.Background(), dir)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	sort.Strings(client.keys)
	assert.Equal(t, []string{
		"autotune/20250101120000-1/params.json",
		"autotune/20250101120000-1/server/server.log",
	}, client.keys)
	assert.Equal(t, "log", client.bodies["autotune/20250101120000-1/server/server.log"])
}

func TestS3Uploader_PropagatesErrors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644))

	_, err := NewS3UploaderWithClient(&fakePutter{fail: true}, "bucket", "").Upload(context.Background(), dir)

	assert.Error(t, err)
}
