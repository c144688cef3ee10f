package broker

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID identifies one registration of a module with a broker.
type ID string

// NewID returns a time-ordered identifier without dashes.
func NewID() (ID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate registration id: %w", err)
	}

	return ID(strings.ReplaceAll(id.String(), "-", "")), nil
}

func (id ID) String() string {
	return string(id)
}
