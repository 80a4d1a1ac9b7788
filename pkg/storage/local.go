package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/testplane/testplane/pkg/config"
)

// localWriter implements Writer on a local directory. Intended for
// development and single-node deployments.
type localWriter struct {
	log logrus.FieldLogger
	cfg *config.LocalStorageConfig
}

// Ensure interface compliance.
var _ Writer = (*localWriter)(nil)

// NewLocalWriter creates a new Writer backed by a local directory.
func NewLocalWriter(
	log logrus.FieldLogger,
	cfg *config.LocalStorageConfig,
) (Writer, error) {
	return &localWriter{
		log: log.WithField("component", "local-storage"),
		cfg: cfg,
	}, nil
}

// Preflight ensures the target directory exists and is writable.
func (w *localWriter) Preflight(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	probe := filepath.Join(w.cfg.Dir, ".testplane-write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("writing test file to %s: %w", w.cfg.Dir, err)
	}

	return os.Remove(probe)
}

// Put writes an artifact under the storage directory. Keys may contain
// slashes; intermediate directories are created as needed.
func (w *localWriter) Put(ctx context.Context, key string, data []byte) error {
	clean := filepath.Clean(strings.TrimLeft(key, "/"))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("invalid artifact key %q", key)
	}

	target := filepath.Join(w.cfg.Dir, filepath.FromSlash(clean))

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}

	w.log.WithFields(logrus.Fields{
		"key":   clean,
		"bytes": len(data),
	}).Debug("Stored artifact")

	return nil
}
