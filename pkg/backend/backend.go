// Package backend holds helpers shared by the concrete backend hooks under
// pkg/backend/. Each backend lives in its own package and registers itself
// with pkg/backend/registry from init.
package backend

import (
	"fmt"
	"io"
	"regexp"

	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ScratchName returns the backend object name for slot index, e.g.
// ScratchName("lease", 2) == "lease_2". Database, schema, dataset and topic
// backends use it so names are valid unquoted identifiers everywhere.
func ScratchName(prefix string, index int) string {
	return fmt.Sprintf("%s_%d", prefix, index)
}

// ValidatePrefix rejects prefixes that would not form a plain identifier.
func ValidatePrefix(key, prefix string) error {
	if !identPattern.MatchString(prefix) {
		return poolerrors.Newf(poolerrors.ErrorTypeConfig, "%s must match %s", key, identPattern).
			WithDetail("value", prefix)
	}
	return nil
}

// Require returns a config error naming key when value is empty.
func Require(key, value string) error {
	if value == "" {
		return poolerrors.Newf(poolerrors.ErrorTypeConfig, "backend setting %s is required", key)
	}
	return nil
}

// Failed returns an ERROR entry for slot id, for backends that report an
// unusable slot without failing the create call.
func Failed(id string, cfg map[string]string, reason string) *resource.Entry {
	e := resource.NewEntry(id, cfg)
	e.Status = resource.StatusError
	e.ErrorMessage = reason
	return e
}

// Close releases backend-wide clients if hook holds any.
func Close(hook resource.Hook) error {
	if c, ok := hook.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
