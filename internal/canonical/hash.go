package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/misty-step/gitpulse-sub000/internal/models"
)

// Hash computes the content hash used for event dedup: a hex-encoded SHA-256
// over the trimmed canonical text, the trimmed source URL and the stable
// serialization of the metrics. Identical logical input always yields an
// identical digest, independent of which source path produced the event.
func Hash(canonicalText, sourceURL string, metrics interface{}) (string, error) {
	metricsJSON := ""
	if metrics != nil {
		s, err := StableStringify(metrics)
		if err != nil {
			return "", err
		}
		metricsJSON = s
	}

	payload := strings.TrimSpace(canonicalText) + "::" + strings.TrimSpace(sourceURL) + "::" + metricsJSON
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}

// HashEvent computes the content hash for a canonical event, treating a nil
// metrics pointer as absent.
func HashEvent(ev *models.CanonicalEvent) (string, error) {
	if ev.Metrics == nil {
		return Hash(ev.CanonicalText, ev.SourceURL, nil)
	}
	return Hash(ev.CanonicalText, ev.SourceURL, ev.Metrics)
}
