package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/miradorstack/decision-core/internal/models"
)

const fieldSeparator = 0x1f

// Fingerprint identifies a request for caching. The payload is hashed as
// canonical JSON (encoding/json sorts map keys at every depth), so logically
// equal payloads share a fingerprint regardless of key order. scope is empty
// for services whose decisions may be shared between callers.
func Fingerprint(service models.ServiceKey, scope string, req models.DecisionRequest) (string, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	h := sha256.New()
	for _, part := range [][]byte{[]byte(service), []byte(scope), []byte(req.SubjectID)} {
		h.Write(part)
		h.Write([]byte{fieldSeparator})
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}
