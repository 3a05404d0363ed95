//go:build !windows

package matchrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFakeVersionScript(t *testing.T, dir, shortSHA string) string {
	t.Helper()
	path := filepath.Join(dir, "fastchess")
	script := "#!/bin/sh\necho 'fastchess alpha 1.2.3 20240101-" + shortSHA + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func TestVerifyBinaryAcceptsMatchingPrefix(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeVersionScript(t, dir, FastchessSHA[:7])

	ok, err := VerifyBinary(context.Background(), path)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyBinaryRejectsMismatchedSHA(t *testing.T) {
	dir := t.TempDir()
	path := writeFakeVersionScript(t, dir, "0000000")

	ok, err := VerifyBinary(context.Background(), path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyBinaryRejectsUnrunnableBinary(t *testing.T) {
	ok, err := VerifyBinary(context.Background(), filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBinaryPathUsesTestingSubdir(t *testing.T) {
	got := BinaryPath("/install")
	assert.Equal(t, filepath.Join("/install", "testing", binaryName()), got)
}

func TestCommonPrefix(t *testing.T) {
	names := []string{
		"Disservin-fastchess-abc1234/README.md",
		"Disservin-fastchess-abc1234/src/main.cpp",
		"Disservin-fastchess-abc1234/",
	}
	assert.Equal(t, "Disservin-fastchess-abc1234/", commonPrefix(names))
}

func TestCommonPrefixEmpty(t *testing.T) {
	assert.Equal(t, "", commonPrefix(nil))
}

func TestRunParsesProgressAndFinalCRC(t *testing.T) {
	installDir := t.TempDir()
	testingDir := filepath.Join(installDir, "testing")
	require.NoError(t, os.MkdirAll(testingDir, 0755))

	script := `#!/bin/sh
echo 'Started game 1 of 20'
echo '{"games_done": 10, "games_total": 20}'
echo '{"pgn_crc32": "0x1234abcd"}'
`
	require.NoError(t, os.WriteFile(filepath.Join(testingDir, "fastchess"), []byte(script), 0755))

	var events []ProgressEvent
	result, err := Run(context.Background(), installDir, MatchParams{
		RunID:    "R1",
		TaskID:   3,
		TC:       "10+0.1",
		Threads:  1,
		NumGames: 20,
	}, func(ev ProgressEvent) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1234abcd), result.CRC32)
	assert.Equal(t, filepath.Join(testingDir, "R1-3.pgn"), result.PGNPath)
	require.Len(t, events, 1)
	assert.Equal(t, ProgressEvent{GamesDone: 10, GamesTotal: 20}, events[0])
}

func TestRunProgressCallbackCancelsMatch(t *testing.T) {
	installDir := t.TempDir()
	testingDir := filepath.Join(installDir, "testing")
	require.NoError(t, os.MkdirAll(testingDir, 0755))

	script := `#!/bin/sh
echo '{"games_done": 1, "games_total": 20}'
sleep 30
`
	require.NoError(t, os.WriteFile(filepath.Join(testingDir, "fastchess"), []byte(script), 0755))

	_, err := Run(context.Background(), installDir, MatchParams{RunID: "R1", TaskID: 3}, func(ProgressEvent) error {
		return context.Canceled
	})
	assert.Error(t, err)
}
