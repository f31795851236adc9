package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFolder enforces the group folder policy: folder must be a
// non-empty relative path with no ".." segments and no leading "/", and
// it must resolve to somewhere inside workspaceRoot. Callers must check
// this before RegisterGroup so an invalid folder never reaches the store
// and no partial state is written.
func ValidateFolder(workspaceRoot, folder string) error {
	if folder == "" {
		return fmt.Errorf("group folder must not be empty")
	}
	if strings.HasPrefix(folder, "/") {
		return fmt.Errorf("group folder %q must not be an absolute path", folder)
	}
	cleaned := filepath.Clean(folder)
	for _, seg := range strings.Split(cleaned, string(filepath.Separator)) {
		if seg == ".." {
			return fmt.Errorf("group folder %q must not contain \"..\" segments", folder)
		}
	}

	absRoot, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return fmt.Errorf("resolve workspace root: %w", err)
	}
	resolved := filepath.Join(absRoot, cleaned)
	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return fmt.Errorf("group folder %q escapes workspace root", folder)
	}
	return nil
}
