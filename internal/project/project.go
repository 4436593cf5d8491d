// Package project implements project identity: hash = sha256(canonical(root)).
//
// Path canonicalization resolves symlinks so that identity is stable across
// systems that alias directories (spec §3, §9 "Project identity under
// symlinks"). This is deliberately standard-library-only: no third-party
// library in the example corpus offers anything beyond filepath.EvalSymlinks
// for this, and introducing one would add a dependency with no behavior to
// justify it (see DESIGN.md).
package project

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
)

// Canonicalize resolves symlinks and returns an absolute, cleaned path.
// If root does not exist (e.g. has since been deleted), it falls back to
// a cleaned absolute path without symlink resolution rather than erroring,
// since project identity must remain computable for historical sessions.
func Canonicalize(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("project: abs %s: %w", root, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return filepath.Clean(abs), nil
	}
	return filepath.Clean(resolved), nil
}

// Hash computes hash = sha256(canonical(root)), hex-encoded.
func Hash(root string) (string, error) {
	canon, err := Canonicalize(root)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canon))
	return hex.EncodeToString(sum[:]), nil
}
