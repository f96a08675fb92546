// SPDX-License-Identifier: MIT

// Package content manages the on-disk file tree under the storage root:
// project artifacts, upload staging, temp scratch space. Every write is
// atomic (temp file + rename on the same volume) and every path handed out
// is canonical and confined to the root.
package content

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clipforge/clipforge/internal/apperr"
	"github.com/clipforge/clipforge/internal/log"
	"github.com/clipforge/clipforge/internal/metrics"
)

const (
	projectsDir = "projects"
	tempDir     = "temp"
	cacheDir    = "cache"
	uploadsDir  = "uploads"
)

// Store is the content tree rooted at the storage root.
type Store struct {
	root   string
	logger zerolog.Logger
}

// New creates the root layout and returns a store bound to it.
func New(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err, "resolve storage root")
	}
	for _, d := range []string{projectsDir, tempDir, cacheDir, uploadsDir} {
		if err := os.MkdirAll(filepath.Join(abs, d), 0o755); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err, "create storage layout")
		}
	}
	return &Store{root: abs, logger: log.WithComponent("content")}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string { return s.root }

// TempDir returns the scratch directory for transient files (subprocess
// work dirs, concat lists). Entries are reaped by CleanupTemp.
func (s *Store) TempDir() string { return filepath.Join(s.root, tempDir) }

// CacheDir returns the directory for locally persisted state (badger).
func (s *Store) CacheDir() string { return filepath.Join(s.root, cacheDir) }

// Path builds the canonical absolute path for a file inside one project's
// tree. Rejects anything that would leave the project directory.
func (s *Store) Path(projectID string, parts ...string) (string, error) {
	if projectID == "" || projectID == "." || projectID == ".." ||
		strings.ContainsAny(projectID, `/\`) {
		return "", apperr.Newf(apperr.InvalidArgument, "invalid project id: %q", projectID)
	}
	if len(parts) == 0 {
		return filepath.Join(s.root, projectsDir, projectID), nil
	}

	rel := filepath.Join(parts...)
	if strings.Contains(rel, "\\") {
		return "", apperr.Newf(apperr.InvalidArgument, "path contains backslash: %s", rel)
	}
	if filepath.IsAbs(rel) {
		return "", apperr.Newf(apperr.InvalidArgument, "path must be relative: %s", rel)
	}
	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", apperr.Newf(apperr.InvalidArgument, "path escapes project: %s", rel)
	}
	return confineRel(s.root, filepath.Join(projectsDir, projectID, clean))
}

// Save streams r into projects/<projectID>/<relPath>, creating parents and
// replacing atomically. Returns the canonical absolute path.
func (s *Store) Save(projectID, relPath string, r io.Reader) (string, error) {
	target, err := s.Path(projectID, relPath)
	if err != nil {
		return "", err
	}
	n, err := s.writeAtomic(target, r)
	if err != nil {
		return "", err
	}
	s.logger.Debug().
		Str(log.FieldProjectID, projectID).
		Str(log.FieldPath, target).
		Str("size", humanize.Bytes(uint64(n))).
		Str(log.FieldEvent, "content.save").
		Msg("artifact written")
	return target, nil
}

// Open returns a reader for a previously handed-out absolute path. Paths
// outside the root are refused, absent files report NotFound.
func (s *Store) Open(absPath string) (io.ReadCloser, error) {
	target, err := confineAbs(s.root, absPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Wrap(apperr.NotFound, err, "content file")
		}
		return nil, apperr.Wrap(apperr.Internal, err, "open content file")
	}
	return f, nil
}

// Exists reports whether absPath names a regular file under the root.
func (s *Store) Exists(absPath string) bool {
	target, err := confineAbs(s.root, absPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(target)
	return err == nil && info.Mode().IsRegular()
}

// Remove deletes one file under the root. Removing an absent file is not an
// error.
func (s *Store) Remove(absPath string) error {
	target, err := confineAbs(s.root, absPath)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.Internal, err, "remove content file")
	}
	return nil
}

// SaveUpload stages an incoming file under uploads/ with a fresh name,
// keeping only the original extension. Returns the staged absolute path.
func (s *Store) SaveUpload(r io.Reader, name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	staged := filepath.Join(s.root, uploadsDir, uuid.NewString()+ext)
	n, err := s.writeAtomic(staged, r)
	if err != nil {
		return "", err
	}
	s.logger.Debug().
		Str(log.FieldPath, staged).
		Str("size", humanize.Bytes(uint64(n))).
		Str(log.FieldEvent, "content.upload_staged").
		Msg("upload staged")
	return staged, nil
}

// PromoteUpload moves a staged upload into a project's tree. Same volume,
// so the move is a rename.
func (s *Store) PromoteUpload(stagedPath, projectID, relPath string) (string, error) {
	staged, err := confineAbs(s.root, stagedPath)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(staged, filepath.Join(s.root, uploadsDir)+string(filepath.Separator)) {
		return "", apperr.Newf(apperr.InvalidArgument, "not a staged upload: %s", stagedPath)
	}
	target, err := s.Path(projectID, relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", apperr.Wrap(apperr.Internal, err, "create project directory")
	}
	if err := os.Rename(staged, target); err != nil {
		if os.IsNotExist(err) {
			return "", apperr.Wrap(apperr.NotFound, err, "staged upload")
		}
		return "", apperr.Wrap(apperr.Internal, err, "promote upload")
	}
	return target, nil
}

// RemoveProject deletes a project's whole tree. Removing an absent project
// is not an error.
func (s *Store) RemoveProject(projectID string) error {
	dir, err := s.Path(projectID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return apperr.Wrap(apperr.Internal, err, "remove project tree")
	}
	s.logger.Info().
		Str(log.FieldProjectID, projectID).
		Str(log.FieldEvent, "content.project_removed").
		Msg("project tree removed")
	return nil
}

// ProjectSize returns the recursive byte count of one project's tree.
// A project with no files yet reports zero.
func (s *Store) ProjectSize(projectID string) (int64, error) {
	dir, err := s.Path(projectID)
	if err != nil {
		return 0, err
	}
	var total int64
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, apperr.Wrap(apperr.Internal, err, "walk project tree")
	}
	return total, nil
}

// CleanupTemp removes temp/ entries older than age and returns how many
// were removed.
func (s *Store) CleanupTemp(age time.Duration) (int, error) {
	return s.cleanupDir(filepath.Join(s.root, tempDir), age)
}

// CleanupUploads removes staged uploads older than age. Uploads normally
// leave staging via PromoteUpload; stragglers are abandoned creates.
func (s *Store) CleanupUploads(age time.Duration) (int, error) {
	return s.cleanupDir(filepath.Join(s.root, uploadsDir), age)
}

func (s *Store) cleanupDir(dir string, age time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperr.Wrap(apperr.Internal, err, "read cleanup directory")
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			s.logger.Warn().Err(err).
				Str(log.FieldPath, e.Name()).
				Str(log.FieldEvent, "content.cleanup_failed").
				Msg("could not remove stale entry")
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info().
			Int("removed", removed).
			Str(log.FieldPath, dir).
			Str(log.FieldEvent, "content.cleanup").
			Msg("stale entries removed")
	}
	return removed, nil
}

// writeAtomic streams r to target via a pending temp file on the same
// volume, fsyncs, then renames over the destination.
func (s *Store) writeAtomic(target string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "create parent directory")
	}
	pending, err := renameio.NewPendingFile(target)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "create pending file")
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			s.logger.Debug().Err(err).Msg("cleanup pending file")
		}
	}()

	n, err := io.Copy(pending, r)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "write content")
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return 0, apperr.Wrap(apperr.Internal, err, "commit content")
	}
	metrics.ContentBytesWritten.Add(float64(n))
	return n, nil
}
