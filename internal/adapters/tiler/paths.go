package tiler

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/target/iview-tiler/internal/domain/model"
)

// joinUnder maps key to root/<collection>/<path> and fails when the result leaves root.
func joinUnder(root string, key model.TileJobKey) (string, error) {
	root = filepath.Clean(root)
	p := filepath.Join(root, key.CollectionID, filepath.FromSlash(key.Path))
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s resolves outside %s", model.ErrInvalidTileJobKey, key, root)
	}
	return p, nil
}
