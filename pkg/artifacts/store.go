// Package artifacts reads and writes the blobs the server works with: model
// descriptors and weights, and the volume and scene documents of the viewer.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
)

// ErrNotFound is returned when a key does not exist.
//
// Implementations return an error that satisfies errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// ErrInvalidKey is returned for keys that would escape the store root
var ErrInvalidKey = errors.New("invalid artifact key")

// Store is a flat key-value view over a directory tree or bucket.
// Keys use forward slashes and are relative to the store root.
type Store interface {
	// Get reads a whole blob
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes a whole blob, replacing any existing one
	Put(ctx context.Context, key string, data []byte) error

	// Exists reports whether a blob is present
	Exists(ctx context.Context, key string) (bool, error)

	// List returns the sorted keys under prefix
	List(ctx context.Context, prefix string) ([]string, error)
}

// CleanKey normalises a key and rejects absolute paths and parent references
func CleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	cleaned := path.Clean(key)
	if cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
