package couple

import (
	"strings"

	"github.com/google/uuid"
)

const placeholderPrefix = "local-"

// IDProvider issues identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// NewPlaceholderID returns an identifier for a record that the server has not acknowledged yet.
// Server ids are bare UUIDs, so the prefix keeps the two spaces disjoint.
func NewPlaceholderID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return placeholderPrefix + value.String(), nil
}

// IsPlaceholderID reports whether id was issued by NewPlaceholderID.
func IsPlaceholderID(id string) bool {
	return strings.HasPrefix(id, placeholderPrefix)
}
