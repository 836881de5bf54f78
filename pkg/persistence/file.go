package persistence

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/observability"
)

// FilePort is the file-backed Port: UTF-8 JSON bytes in, bytes out,
// one file per record at <root>/<kind>/<id>.json. Writes go through
// renameio so a crash mid-write never leaves a torn file; Save stays
// idempotent and safe to retry.
type FilePort struct {
	root   string
	logger observability.Logger
}

// NewFilePort creates a file-backed Port rooted at dir, creating the
// per-kind subdirectories eagerly.
func NewFilePort(dir string, logger observability.Logger) (*FilePort, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	for _, k := range []Kind{KindUser, KindSession, KindDevice, KindService} {
		if err := os.MkdirAll(filepath.Join(dir, string(k)), 0o755); err != nil {
			return nil, models.Wrap(models.ErrPermanent, "create kind directory", err)
		}
	}
	return &FilePort{root: dir, logger: logger}, nil
}

func (p *FilePort) path(kind Kind, id string) string {
	return filepath.Join(p.root, string(kind), id+".json")
}

// Save writes data atomically. Idempotent: saving the same bytes twice
// leaves the same file on disk.
func (p *FilePort) Save(ctx context.Context, kind Kind, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return models.Wrap(models.ErrTransient, "context cancelled before save", err)
	}
	if err := renameio.WriteFile(p.path(kind, id), data, 0o644); err != nil {
		return classifyWriteErr(err)
	}
	return nil
}

// Load reads the bytes for id, reporting ErrNotFound when the file is
// absent per the Port contract.
func (p *FilePort) Load(ctx context.Context, kind Kind, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.Wrap(models.ErrTransient, "context cancelled before load", err)
	}
	data, err := os.ReadFile(p.path(kind, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(id)
		}
		return nil, classifyReadErr(err)
	}
	return data, nil
}

// Delete removes id's file. Deleting an already-absent id is not an
// error.
func (p *FilePort) Delete(ctx context.Context, kind Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return models.Wrap(models.ErrTransient, "context cancelled before delete", err)
	}
	err := os.Remove(p.path(kind, id))
	if err != nil && !os.IsNotExist(err) {
		return classifyWriteErr(err)
	}
	return nil
}

// classifyWriteErr and classifyReadErr translate filesystem errors into
// the Port's transient/permanent taxonomy: permission errors are
// permanent; every other filesystem error is reported as transient
// (safe to retry).
func classifyWriteErr(err error) error {
	if os.IsPermission(err) {
		return models.Wrap(models.ErrPermanent, "permission denied writing record", err)
	}
	return models.Wrap(models.ErrTransient, "failed writing record", err)
}

func classifyReadErr(err error) error {
	if os.IsPermission(err) {
		return models.Wrap(models.ErrPermanent, "permission denied reading record", err)
	}
	return models.Wrap(models.ErrTransient, "failed reading record", err)
}
