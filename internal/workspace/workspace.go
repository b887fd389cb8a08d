// Package workspace manages per-client symlinked workspace directories
// rooted in the bridge's configured project, and the snapshot/diff
// mechanism used to find files an adapter session produced.
package workspace

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// allowlist names are always eligible to be symlinked into a client
// workspace regardless of the dotfile/denylist rules below.
var allowlist = map[string]bool{
	"CLAUDE.md": true,
	".claude":   true,
	".agents":   true,
	"src":       true,
}

// denylist covers version control, package, build, and log directories
// that should never be exposed inside a per-client workspace.
var denylist = map[string]bool{
	".bridge-clients": true,
	".git":            true,
	".hg":             true,
	".svn":            true,
	"node_modules":    true,
	"vendor":          true,
	"dist":            true,
	"build":           true,
	"target":          true,
	".venv":           true,
	"__pycache__":     true,
}

func isDenylistedName(name string) bool {
	if denylist[name] {
		return true
	}
	if strings.HasSuffix(name, ".log") {
		return true
	}
	if strings.HasPrefix(name, ".env") {
		return true
	}
	return false
}

// MaxWalkEntries bounds a single snapshot/diff walk so a pathological
// project tree cannot make a request hang indefinitely.
const MaxWalkEntries = 200000

// MaxDiffEntries caps the number of files a diff reports, per spec.
const MaxDiffEntries = 50

// FileStat is the per-file metadata used to detect new or modified files.
type FileStat struct {
	MtimeNs int64
	Size    int64
}

// Snapshot is an immutable absolute-path -> FileStat map captured before
// adapter work begins.
type Snapshot map[string]FileStat

// Manager ensures per-client workspace directories exist and performs
// snapshot/diff scans of them.
type Manager struct {
	projectRoot string
}

// New builds a Manager rooted at projectRoot.
func New(projectRoot string) *Manager {
	return &Manager{projectRoot: projectRoot}
}

// ClientDir returns the workspace directory for clientID, creating it
// and populating its top-level symlinks if necessary.
func (m *Manager) ClientDir(clientID string) (string, error) {
	clientDir := filepath.Join(m.projectRoot, ".bridge-clients", clientID)
	if err := os.MkdirAll(clientDir, 0o755); err != nil {
		return "", fmt.Errorf("create client workspace dir: %w", err)
	}
	if err := m.ensureSymlinks(clientDir); err != nil {
		return "", fmt.Errorf("populate client workspace dir: %w", err)
	}
	return clientDir, nil
}

// ensureSymlinks creates a relative symlink inside clientDir for every
// eligible top-level entry of the project root that isn't already
// present there. Existing symlinks or real files are left untouched so
// agent-created outputs survive across requests.
func (m *Manager) ensureSymlinks(clientDir string) error {
	entries, err := os.ReadDir(m.projectRoot)
	if err != nil {
		return fmt.Errorf("read project root: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if name == ".bridge-clients" {
			continue
		}
		if !allowlist[name] {
			if strings.HasPrefix(name, ".") {
				continue
			}
			if isDenylistedName(name) {
				continue
			}
		}

		target := filepath.Join(clientDir, name)
		if _, err := os.Lstat(target); err == nil {
			continue // symlink or real file already present; preserve it
		}

		relTarget, err := filepath.Rel(clientDir, filepath.Join(m.projectRoot, name))
		if err != nil {
			slog.Warn("failed to compute relative symlink target", "name", name, "error", err)
			continue
		}
		if err := os.Symlink(relTarget, target); err != nil {
			slog.Warn("failed to create client workspace symlink", "name", name, "error", err)
		}
	}
	return nil
}

// Snapshot walks clientDir, following directory symlinks but skipping
// file-level symlinks (those point at upstream project files rather
// than agent outputs), and returns a map of absolute path to FileStat.
func (m *Manager) Snapshot(clientDir string) (Snapshot, error) {
	snap := make(Snapshot)
	visited := make(map[string]bool)
	count := 0

	var walk func(dir string) error
	walk = func(dir string) error {
		realDir, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return nil // directory vanished mid-walk; skip
		}
		if visited[realDir] {
			return nil // cycle guard
		}
		visited[realDir] = true

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil
		}
		for _, entry := range entries {
			if count >= MaxWalkEntries {
				return nil
			}
			name := entry.Name()
			if isDenylistedName(name) {
				continue
			}
			full := filepath.Join(dir, name)
			info, err := entry.Info()
			if err != nil {
				continue
			}

			if info.Mode()&fs.ModeSymlink != 0 {
				target, err := os.Stat(full)
				if err != nil {
					continue
				}
				if target.IsDir() {
					count++
					if err := walk(full); err != nil {
						return err
					}
				}
				// File-level symlinks are skipped: they point at
				// upstream project files, not agent outputs.
				continue
			}

			if info.IsDir() {
				count++
				if err := walk(full); err != nil {
					return err
				}
				continue
			}

			count++
			snap[full] = FileStat{MtimeNs: info.ModTime().UnixNano(), Size: info.Size()}
		}
		return nil
	}

	if err := walk(clientDir); err != nil {
		return nil, err
	}
	return snap, nil
}

// Diff walks clientDir again and reports absolute paths that are new or
// whose (mtime_ns, size) differs from before. The result is ordered and
// capped at MaxDiffEntries.
func (m *Manager) Diff(clientDir string, before Snapshot) ([]string, error) {
	after, err := m.Snapshot(clientDir)
	if err != nil {
		return nil, err
	}

	var changed []string
	for path, stat := range after {
		prior, existed := before[path]
		if !existed || prior != stat {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	if len(changed) > MaxDiffEntries {
		changed = changed[:MaxDiffEntries]
	}
	return changed, nil
}
