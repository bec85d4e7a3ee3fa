package users

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// reloadDebounce groups the bursts of events editors emit on save.
	reloadDebounce = 100 * time.Millisecond

	usersFilePerm = 0o600
)

// Source serves the current users file and swaps in a new parse when
// the file changes. A reload that fails keeps the previous file.
type Source struct {
	path    string
	opts    Options
	logger  *slog.Logger
	current atomic.Pointer[File]
}

// NewSource loads path and returns a Source serving it.
func NewSource(path string, opts Options, logger *slog.Logger) (*Source, error) {
	s := &Source{path: path, opts: opts, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// File returns the current parsed file.
func (s *Source) File() *File {
	return s.current.Load()
}

// Authenticate checks credentials against the current file.
func (s *Source) Authenticate(username, secret string) bool {
	return s.File().Authenticate(username, secret)
}

// Reload parses the file again and swaps it in on success. Secrets
// generated for empty directives are written back to the file so the
// next reload sees the same credentials.
func (s *Source) Reload() error {
	f, err := Load(s.path, s.opts)
	if err != nil {
		return err
	}

	if gen := f.Generated(); len(gen) > 0 {
		if err := writeLines(s.path, f.Lines()); err != nil {
			return fmt.Errorf("persisting generated credentials: %w", err)
		}

		for _, r := range gen {
			if r.HashType == HashSHA256 {
				s.logger.Warn("generated API token, stored in the users file",
					slog.String("username", r.Username),
					slog.String("path", s.path),
				)

				continue
			}

			// Only the bcrypt hash is written back, so this is the one
			// place the password can be read.
			s.logger.Warn("generated password, shown once",
				slog.String("username", r.Username),
				slog.String("password", r.Generated),
			)
		}
	}

	s.current.Store(f)

	return nil
}

// writeLines replaces path atomically with lines, one per line.
func writeLines(path string, lines []string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".users-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Chmod(usersFilePerm); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}

// Watch reloads the file whenever it changes. It watches the parent
// directory so editors that replace the file by rename are seen. It
// blocks until the context is cancelled.
func (s *Source) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)

	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				debounce = time.After(reloadDebounce)
			}

		case <-debounce:
			debounce = nil

			if err := s.Reload(); err != nil {
				s.logger.Error("users file reload failed, keeping previous",
					slog.String("path", s.path),
					slog.String("error", err.Error()),
				)

				continue
			}

			s.logger.Info("users file reloaded",
				slog.String("path", s.path),
				slog.Int("users", s.File().Len()),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}

			s.logger.Warn("users file watcher error", slog.String("error", err.Error()))
		}
	}
}
