// Package upload packages a finished match's PGN output for the dispatcher:
// verify its CRC32, gzip it with an inner member name of
// "<run_id>-<task_id>.pgn.gz", base64-encode it, and hand the caller a
// payload ready for dispatcher.Client.UploadPGN. Failures here are
// advisory: the caller skips the upload and moves on.
package upload

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"os"
	"strings"
	"unicode/utf8"
)

// ErrCRCMismatch is returned by Prepare when the on-disk PGN's CRC32 does
// not match what the match runner reported computing. The caller skips the
// upload but this is never fatal: the PGN file is still deleted either way.
var ErrCRCMismatch = fmt.Errorf("upload: PGN checksum does not match the match runner's reported value")

// ErrEmptyFile is returned by Prepare when the PGN file is missing or has
// zero length; an upload is only attempted for a non-empty file.
var ErrEmptyFile = fmt.Errorf("upload: PGN file is missing or empty")

// Prepare reads pgnPath, verifies its CRC32 against expectedCRC, and returns
// the base64-encoded gzip payload ready to embed in an upload_pgn request.
// The inner gzip member name is "<runID>-<taskID>.pgn.gz". Invalid UTF-8
// bytes in the PGN are replaced rather than rejected.
func Prepare(pgnPath string, expectedCRC uint32, runID string, taskID int) (string, error) {
	info, err := os.Stat(pgnPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmptyFile, err)
	}
	if info.Size() == 0 {
		return "", ErrEmptyFile
	}

	raw, err := os.ReadFile(pgnPath)
	if err != nil {
		return "", fmt.Errorf("upload: reading %s: %w", pgnPath, err)
	}

	actual := crc32.ChecksumIEEE(raw)
	if actual != expectedCRC {
		return "", fmt.Errorf("%w: got 0x%x, want 0x%x", ErrCRCMismatch, actual, expectedCRC)
	}

	text := toValidUTF8(raw)

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("upload: creating gzip writer: %w", err)
	}
	gz.Name = fmt.Sprintf("%s-%d.pgn.gz", runID, taskID)
	if _, err := gz.Write([]byte(text)); err != nil {
		gz.Close()
		return "", fmt.Errorf("upload: writing gzip stream: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("upload: closing gzip stream: %w", err)
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// toValidUTF8 replaces invalid byte sequences with the Unicode replacement
// character instead of rejecting the input outright: a PGN is never
// security- or correctness-sensitive text, only something a human reads in
// a browser, so a lossy decode beats a lost upload.
func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

// Cleanup removes the PGN file regardless of whether the upload succeeded.
// Any removal failure is logged by the caller, never escalated.
func Cleanup(pgnPath string) error {
	if err := os.Remove(pgnPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("upload: removing %s: %w", pgnPath, err)
	}
	return nil
}
