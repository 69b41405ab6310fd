package xid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns "<prefix>-<uuidv7 without dashes>". v7 keeps ids roughly time ordered.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "-" + strings.ReplaceAll(id.String(), "-", "")
}
