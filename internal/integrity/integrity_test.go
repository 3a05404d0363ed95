package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestGenerateWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	binPath := writeTempFile(t, dir, "worker", "fake-binary-bytes")
	sumPath := writeTempFile(t, dir, "go.sum", "module v1.0.0 h1:abc=")

	m, err := Generate(binPath, sumPath, 286)
	require.NoError(t, err)
	assert.Equal(t, "286", m[VersionKey])
	assert.NotEmpty(t, m[BinaryKey])
	assert.NotEmpty(t, m[GoSumKey])

	require.NoError(t, Write(dir, m))
	got, err := Read(dir)
	require.NoError(t, err)
	assert.Equal(t, m[BinaryKey], got[BinaryKey])
}

func TestGenerateToleratesMissingGoSum(t *testing.T) {
	dir := t.TempDir()
	binPath := writeTempFile(t, dir, "worker", "fake-binary-bytes")

	m, err := Generate(binPath, filepath.Join(dir, "no-such-go.sum"), 286)
	require.NoError(t, err)
	assert.NotEmpty(t, m[BinaryKey])
	_, present := m[GoSumKey]
	assert.False(t, present)
}

func TestVerifyLocalDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	binPath := writeTempFile(t, dir, "worker", "original-bytes")

	m, err := Generate(binPath, "", 286)
	require.NoError(t, err)
	require.NoError(t, Write(dir, m))

	ok, err := VerifyLocal(dir, binPath, "", 286)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, os.WriteFile(binPath, []byte("tampered-bytes"), 0644))
	ok, err = VerifyLocal(dir, binPath, "", 286)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyRemote(t *testing.T) {
	local := Manifest{VersionKey: "286", BinaryKey: "aaa"}

	assert.Equal(t, RemoteUnknown, VerifyRemote(local, nil))

	matching := Manifest{VersionKey: "286", BinaryKey: "aaa"}
	assert.Equal(t, RemoteOK, VerifyRemote(local, matching))

	tampered := Manifest{VersionKey: "286", BinaryKey: "bbb"}
	assert.Equal(t, RemoteTampered, VerifyRemote(local, tampered))

	differentVersion := Manifest{VersionKey: "287", BinaryKey: "bbb"}
	assert.Equal(t, RemoteOK, VerifyRemote(local, differentVersion))
}
