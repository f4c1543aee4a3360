package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewID generates a prefixed identifier of the form "<prefix>_<uuid>",
// e.g. "proj_5b1c...", "env_9a02...", "task_44f1...". Prefixing keeps ids
// self-describing in logs, CLI output, and staging responses, and lets
// code check an id's kind with HasPrefix.
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.NewString())
}

// HasPrefix reports whether id was minted with NewID(prefix, ...).
func HasPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_")
}

const (
	ProjectIDPrefix     = "proj"
	EnvironmentIDPrefix = "env"
	TaskIDPrefix        = "task"
)
