// Package persistence defines the narrow save/load/delete contract the
// core uses to persist opaque records, plus a file-backed
// implementation — one directory per kind, one file per id.
package persistence

import (
	"context"

	"github.com/voicecore/orchestrator/pkg/models"
)

// Kind names a record category (user, session, device, service). It is
// just a directory/namespace tag to the Port; the Port never interprets
// record bytes.
type Kind string

const (
	KindUser    Kind = "users"
	KindSession Kind = "sessions"
	KindDevice  Kind = "devices"
	KindService Kind = "services"
)

// Port is the persistence contract every component depends on.
// All operations are synchronous from the caller's standpoint and must be
// idempotent. Implementations report failures as one of the
// not-found/transient/permanent ErrorKinds via models.CoreError.
type Port interface {
	Save(ctx context.Context, kind Kind, id string, data []byte) error
	Load(ctx context.Context, kind Kind, id string) ([]byte, error)
	Delete(ctx context.Context, kind Kind, id string) error
}

// notFound is a convenience constructor used by implementations.
func notFound(id string) error {
	return models.NewError(models.ErrNotFound, "record not found: "+id)
}
