package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DefaultIndexableExtensions is the whitelist for file indexing.
var DefaultIndexableExtensions = map[string]bool{
	".txt": true, ".md": true, ".pdf": true, ".docx": true,
	".csv": true, ".json": true, ".yaml": true, ".yml": true,
	".html": true, ".xml": true,
}

// PathSandbox confines file indexing to one working directory.
type PathSandbox struct {
	root       string
	extensions map[string]bool
}

// NewPathSandbox resolves root (following symlinks) so later escape
// checks compare canonical paths.
func NewPathSandbox(root string, extensions map[string]bool) (*PathSandbox, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	if extensions == nil {
		extensions = DefaultIndexableExtensions
	}
	return &PathSandbox{root: abs, extensions: extensions}, nil
}

// Validate returns the canonical path if it stays inside the sandbox
// and carries a whitelisted extension. Symlinks pointing outside the
// root are rejected.
func (s *PathSandbox) Validate(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !s.extensions[ext] {
		return "", fmt.Errorf("extension non autorisee: %s", ext)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	// Resolve symlinks so a link escaping the root is caught.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	rel, err := filepath.Rel(s.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("chemin hors du repertoire de travail: %s", path)
	}

	return resolved, nil
}
