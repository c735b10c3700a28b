package utils

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// GenerateID returns a prefixed uuid, e.g. "mutation-3f1c...".
func GenerateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// GenerateTempID returns a short id for values that exist only until the
// server assigns the real one.
func GenerateTempID(prefix string) string {
	id, err := gonanoid.New(12)
	if err != nil {
		return GenerateID(prefix)
	}
	return prefix + "-" + id
}
