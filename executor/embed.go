// Package executor provides the embedded worker bootstrap script.
//
// The bootstrap is embedded at build time and written to a temporary file
// for each sidecar, so the binary needs nothing besides a node executable.
package executor

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/pithecene-io/jssidecar/iox"
	"github.com/pithecene-io/jssidecar/types"
)

//go:embed bundle/worker.mjs
var embeddedWorker []byte

// EmbeddedVersion returns the version of the embedded bootstrap.
// This matches types.Version; the two are released in lockstep.
func EmbeddedVersion() string {
	return types.Version
}

// EmbeddedSize returns the size of the embedded bootstrap in bytes.
func EmbeddedSize() int {
	return len(embeddedWorker)
}

// EmbeddedChecksum returns the SHA256 checksum of the embedded bootstrap.
func EmbeddedChecksum() string {
	hash := sha256.Sum256(embeddedWorker)
	return hex.EncodeToString(hash[:])
}

// IsEmbedded returns true if a bootstrap is embedded in this binary.
func IsEmbedded() bool {
	return len(embeddedWorker) > 0
}

// Script is a bootstrap file on disk.
type Script struct {
	path  string
	owned bool

	once      sync.Once
	removeErr error
}

// Materialize writes the embedded bootstrap to a new temporary file in dir
// (os.TempDir() when empty). Every call creates a distinct file; the caller
// removes it with Remove.
func Materialize(dir string) (*Script, error) {
	if !IsEmbedded() {
		return nil, errors.New("no embedded worker bootstrap available")
	}

	f, err := os.CreateTemp(dir, "js-sidecar-*.mjs")
	if err != nil {
		return nil, fmt.Errorf("failed to create bootstrap file: %w", err)
	}
	if _, err := f.Write(embeddedWorker); err != nil {
		iox.DiscardClose(f)
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write bootstrap file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("failed to close bootstrap file: %w", err)
	}

	return &Script{path: f.Name(), owned: true}, nil
}

// External wraps a bootstrap the caller manages. Remove leaves it in place.
func External(path string) (*Script, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap script: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("bootstrap script %s is a directory", path)
	}
	return &Script{path: path}, nil
}

// Path returns the file path passed to node.
func (s *Script) Path() string {
	return s.path
}

// Remove deletes a materialized bootstrap. Safe to call multiple times.
func (s *Script) Remove() error {
	if !s.owned {
		return nil
	}
	s.once.Do(func() {
		if err := iox.RemoveIfExists(s.path); err != nil {
			s.removeErr = fmt.Errorf("failed to remove bootstrap file: %w", err)
		}
	})
	return s.removeErr
}
