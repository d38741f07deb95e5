// Package hashing computes archive content keys: the first 16 hex characters
// of a file's BLAKE3-256 digest.
package hashing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/cpu"
	"lukechampine.com/blake3"

	"github.com/cuongbtq/archive-jobs/internal/taskpool"
)

const (
	// KeyLength is the number of hex characters in a content key.
	KeyLength = 16

	acceleratedBufferSize = 1 << 20
	defaultBufferSize     = 256 << 10
)

// ErrNotRegularFile is returned for directories, devices and other non-files.
var ErrNotRegularFile = errors.New("not a regular file")

// Probe reports whether this CPU has the SIMD extensions the BLAKE3
// implementation accelerates with.
func Probe(ctx context.Context) (taskpool.Capabilities, error) {
	if err := ctx.Err(); err != nil {
		return taskpool.Capabilities{}, err
	}
	return taskpool.Capabilities{
		Accelerated: cpu.X86.HasAVX2 || cpu.X86.HasAVX512F || cpu.ARM64.HasASIMD,
	}, nil
}

// HashFile streams the file at path through BLAKE3-256 and returns its
// content key.
func HashFile(ctx context.Context, caps taskpool.Capabilities, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s: %w", path, ErrNotRegularFile)
	}

	size := defaultBufferSize
	if caps.Accelerated {
		size = acceleratedBufferSize
	}

	h := blake3.New(32, nil)
	buf := make([]byte, size)
	for {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("hashing %s canceled: %w", path, err)
		}
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	return ContentKey(h.Sum(nil)), nil
}

// ContentKey truncates a digest to its hex content key.
func ContentKey(digest []byte) string {
	return hex.EncodeToString(digest)[:KeyLength]
}

// NewPool creates a task pool that hashes file paths.
func NewPool(cfg taskpool.Config) *taskpool.Pool[string, string] {
	return taskpool.New[string, string](cfg, Probe, HashFile)
}
