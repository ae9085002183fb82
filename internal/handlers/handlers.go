// Package handlers contains the actions that run inside the server process.
package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/WangQiHao-Charlie/actiond/pkg/driver"
)

// AddSubdirectoryID is the module id definitions use to bind the
// add_subdirectory handler.
const AddSubdirectoryID = "add_subdirectory"

// Builtin returns the handler capability table.
func Builtin() map[string]driver.HandlerFunc {
	return map[string]driver.HandlerFunc{
		AddSubdirectoryID: AddSubdirectory,
	}
}

// AddSubdirectory creates the sub-directory "subdirectory_name" inside the
// already validated "directory" parameter, relative to the file root.
func AddSubdirectory(_ context.Context, call driver.HandlerCall) (string, error) {
	parent, _ := call.Params["directory"].(string)
	name, _ := call.Params["subdirectory_name"].(string)
	if parent == "" {
		return "", fmt.Errorf("directory is required")
	}
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("invalid subdirectory name %q", name)
	}
	target := filepath.Join(call.FilesRoot, parent, name)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	return filepath.ToSlash(filepath.Join(parent, name)) + "/\n", nil
}
