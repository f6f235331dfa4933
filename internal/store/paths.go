package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// dbFileName is the leaf filename of the local sync database, per-user and
// per-application.
const dbFileName = "helper_sync.db"

// ResolvePath computes the per-user, per-application database path:
// <base>/<app_id>/<user_id>/helper_sync.db, creating the parent directories
// as needed.
func ResolvePath(baseDir, appID, userID string) (string, error) {
	if appID == "" {
		return "", fmt.Errorf("resolve db path: empty app_id")
	}
	if userID == "" {
		return "", fmt.Errorf("resolve db path: empty user_id")
	}

	dir := filepath.Join(baseDir, appID, userID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create db dir %s: %w", dir, err)
	}

	return filepath.Join(dir, dbFileName), nil
}
