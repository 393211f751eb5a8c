// Package id implements the Identifier Service (C1): collision-free opaque
// identifiers for every coordination-store entity. Identifiers never consult
// global counters and never read prior state, so generation never contends
// with the single writer.
package id

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/agora-labs/marketplace-core/internal/agoraerr"
)

// Prefix identifies the entity type encoded in an identifier.
type Prefix string

const (
	PrefixAgent       Prefix = "agent"
	PrefixCapability  Prefix = "cap"
	PrefixMessage     Prefix = "msg"
	PrefixTask        Prefix = "task"
	PrefixWorkflow    Prefix = "wf"
	PrefixStep        Prefix = "step"
	PrefixEvent       Prefix = "evt"
	PrefixAudit       Prefix = "audit"
	PrefixIdempotency Prefix = "idem"
)

var shapePattern = regexp.MustCompile(`^(agent|cap|msg|task|wf|step|evt|audit|idem)_[0-9a-f]{16}$`)

// New generates an opaque identifier of the form "{prefix}_{16 hex chars}"
// drawn from a 128-bit random source. It returns IdGenerationError only if
// the entropy source is unavailable.
func New(prefix Prefix) (string, error) {
	raw, err := uuid.NewRandom()
	if err != nil {
		return "", agoraerr.Wrap(agoraerr.IdGenerationError, err, "entropy source unavailable")
	}
	body := strings.ReplaceAll(raw.String(), "-", "")
	return fmt.Sprintf("%s_%s", prefix, body[:16]), nil
}

// MustNew generates an identifier and panics if entropy is unavailable. Used
// only in contexts (tests, fixtures) where a transient entropy failure is
// not a condition under test.
func MustNew(prefix Prefix) string {
	out, err := New(prefix)
	if err != nil {
		panic(err)
	}
	return out
}

// Valid reports whether id matches the "{prefix}_{16 hex chars}" shape for
// one of the known prefixes. Implementations must reject identifiers that do
// not match this shape.
func Valid(id string) bool {
	return shapePattern.MatchString(id)
}

// ValidPrefix reports whether id matches the shape for the specific prefix.
func ValidPrefix(id string, prefix Prefix) bool {
	return Valid(id) && strings.HasPrefix(id, string(prefix)+"_")
}
