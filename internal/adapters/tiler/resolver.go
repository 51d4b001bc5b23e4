// Package tiler provides the filesystem adapters that turn a tile job into a tile pyramid on disk.
package tiler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/target/iview-tiler/internal/core"
	"github.com/target/iview-tiler/internal/domain/model"
)

var _ core.SourceResolver = (*FSSourceResolver)(nil)

// ErrSourceNotFound is returned when a job's source image does not exist. It matches fs.ErrNotExist.
var ErrSourceNotFound = fmt.Errorf("source image not found: %w", fs.ErrNotExist)

// FSSourceResolver finds source images under Root/<collection>/<path>.
type FSSourceResolver struct {
	Root string
}

// NewFSSourceResolver returns a resolver rooted at root.
func NewFSSourceResolver(root string) *FSSourceResolver {
	return &FSSourceResolver{Root: root}
}

// Resolve returns the absolute path of the source image for key.
func (r *FSSourceResolver) Resolve(ctx context.Context, key model.TileJobKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := key.Validate(); err != nil {
		return "", err
	}
	if r.Root == "" {
		return "", errors.New("source root is not configured")
	}

	root, err := filepath.Abs(r.Root)
	if err != nil {
		return "", fmt.Errorf("resolve source root: %w", err)
	}
	p, err := joinUnder(root, key)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceNotFound, p)
		}
		return "", fmt.Errorf("stat source %s: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("source %s is not a regular file", p)
	}
	return p, nil
}
