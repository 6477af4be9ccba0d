package helper

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/oklog/ulid"
)

// GenerateCorrelationID returns a ULID propagated to the upstream API and
// telemetry for cross-system tracing. One per facade operation.
func GenerateCorrelationID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// GenerateState returns a random state parameter for the interactive
// sign-in authorization URL.
func GenerateState() (string, error) {
	return base62.Random(24)
}

// GenerateShortID returns an 8-character random hex identifier
func GenerateShortID() string {
	bytes := make([]byte, 4)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
