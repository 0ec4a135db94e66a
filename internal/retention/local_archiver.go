package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sibylhq/sibyl/pkg/models"
)

// LocalFileArchiver writes expired entities as JSONL files to a local
// directory. This is the default archive driver for local/self-hosted
// deployments.
//
// Directory structure:
//
//	{basePath}/{tenant}/{kind}/2026-02-20T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is
// empty, it defaults to "~/.sibyl/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = "/tmp/sibyl/archive"
		} else {
			basePath = filepath.Join(home, ".sibyl", "archive")
		}
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) Kind() string { return "local" }

func (a *LocalFileArchiver) Archive(_ context.Context, tenant string, kind models.EntityKind, entities []models.Entity) (string, error) {
	dir := filepath.Join(a.basePath, tenant, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	for _, e := range entities {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("encode entity %s: %w", e.ID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(entities)).
		Str("tenant", tenant).
		Str("kind", string(kind)).
		Msg("retention: archived entities to local file")

	return fpath, nil
}

func (a *LocalFileArchiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
