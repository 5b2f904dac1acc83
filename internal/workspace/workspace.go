// Package workspace locates the project root for a starting directory so
// the language server is handed the whole project rather than whichever
// subdirectory the command ran from.
package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// rootMarkers are checked in priority order at each directory level.
var rootMarkers = []string{
	".git",
	"go.mod",
	"package.json",
	"Cargo.toml",
	"pyproject.toml",
}

// Info describes a detected workspace root.
type Info struct {
	// Root is the absolute path of the workspace root.
	Root string
	// Marker is the file or directory that identified the root, empty when
	// detection fell back to the starting directory.
	Marker string
}

var (
	cacheMu sync.RWMutex
	cache   = make(map[string]Info)
)

// Detect walks up from the starting directory until it finds a root marker.
// When nothing matches, the starting directory itself is the root.
func Detect(start string) (Info, error) {
	start, err := filepath.Abs(start)
	if err != nil {
		return Info{}, err
	}

	cacheMu.RLock()
	if info, ok := cache[start]; ok {
		cacheMu.RUnlock()
		return info, nil
	}
	cacheMu.RUnlock()

	info := Info{Root: start}
	current := start
	for {
		if marker := markerAt(current); marker != "" {
			info = Info{Root: current, Marker: marker}
			break
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	cacheMu.Lock()
	cache[start] = info
	cacheMu.Unlock()
	return info, nil
}

// markerAt returns the first root marker present in dir, or "".
func markerAt(dir string) string {
	for _, marker := range rootMarkers {
		path := filepath.Join(dir, marker)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if marker == ".git" && !info.IsDir() {
			// .git may be a worktree/submodule pointer file.
			if !isGitDirFile(path) {
				continue
			}
		}
		return marker
	}
	return ""
}

// isGitDirFile reports whether a .git file carries a gitdir pointer.
func isGitDirFile(path string) bool {
	content, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(string(content)), "gitdir: ")
}

// ClearCache empties the detection cache.
func ClearCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = make(map[string]Info)
}
