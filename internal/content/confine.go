// SPDX-License-Identifier: MIT

package content

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/clipforge/clipforge/internal/apperr"
)

// confineRel joins root and relTarget and guarantees the result stays
// physically underneath root, including through symlinks. relTarget must be
// relative and free of backslashes.
func confineRel(root, relTarget string) (string, error) {
	if strings.Contains(relTarget, "\\") {
		return "", apperr.Newf(apperr.InvalidArgument, "path contains backslash: %s", relTarget)
	}

	cleanRel := filepath.Clean(relTarget)
	if filepath.IsAbs(cleanRel) {
		return "", apperr.Newf(apperr.InvalidArgument, "path must be relative: %s", relTarget)
	}
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", apperr.Newf(apperr.InvalidArgument, "path escapes root: %s", relTarget)
	}

	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	return resolveAndCheck(realRoot, filepath.Join(realRoot, cleanRel))
}

// confineAbs verifies an already-absolute path is underneath root.
func confineAbs(root, target string) (string, error) {
	if strings.Contains(target, "\\") {
		return "", apperr.Newf(apperr.InvalidArgument, "path contains backslash: %s", target)
	}
	if !filepath.IsAbs(target) {
		return "", apperr.Newf(apperr.InvalidArgument, "path must be absolute: %s", target)
	}

	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	return resolveAndCheck(realRoot, filepath.Clean(target))
}

func resolveRoot(root string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "resolve storage root")
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperr.Wrap(apperr.Internal, err, "storage root missing")
		}
		realRoot = absRoot
	}
	return realRoot, nil
}

// resolveAndCheck resolves symlinks in fullPath (or, for a not-yet-existing
// file, its parent) and verifies the real path is under realRoot.
func resolveAndCheck(realRoot, fullPath string) (string, error) {
	var realPath string
	if _, err := os.Lstat(fullPath); err == nil {
		rp, err := filepath.EvalSymlinks(fullPath)
		if err != nil {
			return "", apperr.Wrap(apperr.InvalidArgument, err, "resolve path")
		}
		realPath = rp
	} else {
		dir := filepath.Dir(fullPath)
		if rp, err := filepath.EvalSymlinks(dir); err == nil {
			realPath = filepath.Join(rp, filepath.Base(fullPath))
		} else if _, statErr := os.Stat(dir); statErr == nil {
			return "", apperr.Wrap(apperr.InvalidArgument, err, "resolve parent path")
		} else {
			// Parent will be created later; the textual check below decides.
			realPath = fullPath
		}
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil {
		return "", apperr.Wrap(apperr.InvalidArgument, err, "relativize path")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", apperr.Newf(apperr.InvalidArgument, "path escapes root: %s", fullPath)
	}
	return realPath, nil
}
