package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultEntity is the kind of record a shared document belongs to.
const DefaultEntity = "proposal"

var ErrInvalidDocument = errors.New("invalid document name")

// DocumentName names the shared document of one record: "<entity>-<id>".
// Every form of the record lives in that one document.
func DocumentName(entity, id string) string {
	if entity == "" {
		entity = DefaultEntity
	}
	return entity + "-" + id
}

// ParseDocumentName splits a document name at its first '-'. The entity is
// lower-case letters and underscores; the id is any non-empty rest.
func ParseDocumentName(name string) (entity, id string, err error) {
	entity, id, ok := strings.Cut(name, "-")
	if !ok || entity == "" || strings.TrimSpace(id) == "" || len(name) > 256 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidDocument, name)
	}
	for _, r := range entity {
		if (r < 'a' || r > 'z') && r != '_' {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidDocument, name)
		}
	}
	return entity, id, nil
}
