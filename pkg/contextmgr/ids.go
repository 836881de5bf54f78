package contextmgr

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/voicecore/orchestrator/pkg/models"
)

// Session ids are 128 bits from a cryptographic RNG, hex-encoded,
// with a sess_ prefix.
const (
	sessionIDPrefix = "sess_"
	sessionIDBytes  = 16 // 128 bits
)

// generateSessionID returns a fresh, collision-checked session id.
// Collisions are fatal: regenerate once, then fail.
func generateSessionID(exists func(id string) bool) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		id, err := randomSessionID()
		if err != nil {
			return "", models.Wrap(models.ErrInternal, "generate session id", err)
		}
		if !exists(id) {
			return id, nil
		}
	}
	return "", models.NewError(models.ErrInternal, "session id collision on regeneration")
}

func randomSessionID() (string, error) {
	buf := make([]byte, sessionIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return sessionIDPrefix + hex.EncodeToString(buf), nil
}
