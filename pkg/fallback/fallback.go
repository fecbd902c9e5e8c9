// Package fallback builds and executes the ordered fallback ladder of tool
// ids for a single capability request: primary first, then same-category
// allowlisted tools, then the rest of the allowlist (§4.4).
package fallback

import (
	"context"
	"errors"
	"fmt"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

// Invoker resolves a tool id to a callable. pkg/toolregistry.Registry
// satisfies the lookup half of this; callers adapt Tool.Invoke into this shape.
type Invoker func(ctx context.Context, toolID string, input any) (any, error)

// Ladder is an ordered, deduplicated list of tool ids to try in succession.
type Ladder []string

// Build constructs the ladder: primary, then same-category allowlist
// entries (in allowlist order), then the remaining allowlist entries.
// Category is the tool id's first dotted segment via CapabilityClass's
// Category rule, applied to whatever string each tool id encodes.
func Build(primaryToolID string, allowlist []string, categoryOf func(toolID string) string) Ladder {
	seen := map[string]bool{primaryToolID: true}
	ladder := Ladder{primaryToolID}

	primaryCategory := categoryOf(primaryToolID)

	var sameCategory, other []string
	for _, id := range allowlist {
		if seen[id] {
			continue
		}
		if categoryOf(id) == primaryCategory {
			sameCategory = append(sameCategory, id)
		} else {
			other = append(other, id)
		}
	}
	for _, id := range sameCategory {
		if !seen[id] {
			ladder = append(ladder, id)
			seen[id] = true
		}
	}
	for _, id := range other {
		if !seen[id] {
			ladder = append(ladder, id)
			seen[id] = true
		}
	}
	return ladder
}

// CategoryOfCapability adapts domain.CapabilityClass.Category for use as a
// Build categoryOf function when tool ids are themselves capability strings.
func CategoryOfCapability(toolID string) string {
	return domain.CapabilityClass(toolID).Category()
}

// ErrAllFailed aggregates every ladder attempt's error.
type ErrAllFailed struct {
	Attempts map[string]error
}

func (e ErrAllFailed) Error() string {
	return fmt.Sprintf("fallback ladder exhausted, %d attempts failed", len(e.Attempts))
}

// Execute runs the ladder in order, returning the first success. On
// exhaustion it returns an ErrAllFailed aggregating every attempt's error;
// every entry is tried at most once (§8 completeness invariant).
func Execute(ctx context.Context, ladder Ladder, input any, invoke Invoker) (any, error) {
	if len(ladder) == 0 {
		return nil, errors.New("fallback: empty ladder")
	}
	attempts := map[string]error{}
	for _, toolID := range ladder {
		out, err := invoke(ctx, toolID, input)
		if err == nil {
			return out, nil
		}
		attempts[toolID] = err
	}
	return nil, ErrAllFailed{Attempts: attempts}
}
