package credentials

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// LoadFile reads one credential per line. Blank lines and lines starting
// with '#' are ignored. A missing file yields an empty list.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening credentials file: %w", err)
	}
	defer f.Close()

	var keys []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading credentials file: %w", err)
	}
	return keys, nil
}

// SaveFile writes keys to path, one per line, readable only by the owner.
func SaveFile(path string, keys []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}
	var b strings.Builder
	for _, k := range normalize(keys) {
		b.WriteString(k)
		b.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("writing credentials file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing credentials file: %w", err)
	}
	return nil
}

// ParseList splits a comma or newline separated credential list.
func ParseList(s string) []string {
	return normalize(strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n'
	}))
}

// Watch calls reload with the file's keys whenever the credentials file at
// path changes. It blocks until ctx is cancelled. The parent directory is
// watched so that editors replacing the file by rename are picked up.
func Watch(ctx context.Context, path string, logger *slog.Logger, reload func(keys []string)) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving credentials path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			keys, err := LoadFile(abs)
			if err != nil {
				logger.Warn("credentials reload failed", "path", abs, "error", err)
				continue
			}
			reload(keys)
			logger.Info("credentials reloaded", "path", abs, "count", len(keys))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("credentials watcher error", "error", err)
		}
	}
}
