package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// sensitiveNames are file or directory names never served to the model,
// wherever they appear in a path.
var sensitiveNames = map[string]struct{}{
	".env":            {},
	".env.local":      {},
	".env.production": {},
	"id_rsa":          {},
	"id_ed25519":      {},
	"venv":            {},
	".venv":           {},
	"node_modules":    {},
	"__pycache__":     {},
}

var sensitiveExtensions = map[string]struct{}{
	".key":         {},
	".pem":         {},
	".p12":         {},
	".pfx":         {},
	".jks":         {},
	".secret":      {},
	".credentials": {},
}

// configAllowlist names config files readable despite matching nothing
// sensitive; kept explicit so read_config stays a separate capability.
var configAllowlist = map[string]struct{}{
	"package.json":       {},
	"tsconfig.json":      {},
	"docker-compose.yml": {},
	"Dockerfile":         {},
	"nginx.conf":         {},
	"requirements.txt":   {},
	"pyproject.toml":     {},
	"go.mod":             {},
	"go.sum":             {},
	"Makefile":           {},
	"README.md":          {},
	"TODO.md":            {},
}

// treeSkipDirs are pruned from listings, trees and searches.
var treeSkipDirs = map[string]struct{}{
	"node_modules":  {},
	"__pycache__":   {},
	".git":          {},
	".venv":         {},
	"venv":          {},
	"dist":          {},
	"build":         {},
	"target":        {},
	".idea":         {},
	".vscode":       {},
	".next":         {},
	".nuxt":         {},
	".mypy_cache":   {},
	".pytest_cache": {},
	".ruff_cache":   {},
}

// resolvePath jails rel under root. Symlinks are resolved before the
// containment check, so a link pointing outside the workspace fails
// the same way a ../ traversal does.
func resolvePath(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	rel = strings.TrimPrefix(rel, "/")

	rootReal, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace root: %w", err)
	}

	abs := filepath.Join(rootReal, rel)
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// Target may not exist; jail-check the deepest existing
			// ancestor plus the remaining cleaned suffix.
			resolved = filepath.Clean(abs)
		} else {
			return "", fmt.Errorf("resolve path: %w", err)
		}
	}

	if resolved != rootReal && !strings.HasPrefix(resolved, rootReal+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return resolved, nil
}

// isSensitive reports whether any element of rel is denylisted. The
// config allowlist only rescues exact basename matches.
func isSensitive(rel string) bool {
	base := filepath.Base(rel)
	if _, ok := configAllowlist[base]; ok {
		return false
	}
	if _, ok := sensitiveNames[base]; ok {
		return true
	}
	if _, ok := sensitiveExtensions[strings.ToLower(filepath.Ext(base))]; ok {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if _, ok := sensitiveNames[part]; ok {
			return true
		}
	}
	return false
}
