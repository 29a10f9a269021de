package helper

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/hashicorp/go-secure-stdlib/base62"
	"github.com/oklog/ulid"
)

// stateLength gives roughly 190 bits of entropy.
const stateLength = 32

// GenerateID returns a lexically sortable unique id. Used for request ids
// and queue message ids.
func GenerateID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

// GenerateState returns an opaque OAuth state value.
func GenerateState() (string, error) {
	return base62.Random(stateLength)
}

// GenerateShortID returns 8 random hex characters. Used for webhook log
// entries, which only need to be told apart by eye.
func GenerateShortID() string {
	bytes := make([]byte, 4)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
