// Package appdir locates the per-user state directory (~/.gnb-go) holding
// the log database and default configuration.
package appdir

import (
	"os"
	"path/filepath"
	"sync"
)

const dirName = ".gnb-go"

var (
	once     sync.Once
	appDir   string
	override = os.Getenv("GNB_APPDIR")
)

// AppDir returns the state directory, creating it on first use. GNB_APPDIR
// overrides the location; without a home directory the system temp dir is used.
func AppDir() string {
	once.Do(func() {
		dir := override
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				home = os.TempDir()
			}
			dir = filepath.Join(home, dirName)
		}
		_ = os.MkdirAll(dir, 0o755)
		appDir = dir
	})
	return appDir
}

// Path joins elems below the state directory.
func Path(elems ...string) string {
	return filepath.Join(append([]string{AppDir()}, elems...)...)
}
