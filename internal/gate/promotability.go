package gate

import (
	"fmt"
	"strings"

	"github.com/converge-vcs/converge/internal/graph"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/store"
)

// reasonSample bounds how many paths or ids a rejection reason carries.
const reasonSample = 5

// Status is the promotability verdict for a bundle.
type Status struct {
	Promotable bool     `json:"promotable"`
	Reasons    []string `json:"reasons"`
}

// EvaluatePromotability decides whether a bundle may pass its gate. It is
// a pure function of the bundle's root manifest, the gate policy, and the
// approval count, re-run after every coalesce and approval mutation.
func EvaluatePromotability(st *store.Store, root object.ID, g *Gate, approvals int) (Status, error) {
	var reasons []string

	if !g.Policy.AllowSuperpositions {
		_, paths, err := graph.SuperpositionPaths(st, root)
		if err != nil {
			return Status{}, err
		}
		if len(paths) > 0 {
			sample := paths
			suffix := ""
			if len(sample) > reasonSample {
				suffix = fmt.Sprintf(" (+%d more)", len(sample)-reasonSample)
				sample = sample[:reasonSample]
			}
			reasons = append(reasons, fmt.Sprintf("unresolved-superpositions: /%s%s",
				strings.Join(sample, ", /"), suffix))
		}
	}

	if uint32(approvals) < g.Policy.RequiredApprovals {
		reasons = append(reasons, fmt.Sprintf("insufficient-approvals: have %d, need %d",
			approvals, g.Policy.RequiredApprovals))
	}

	if !g.Policy.AllowMetadataOnlyPublications {
		missing, err := graph.MissingContent(st, root, reasonSample)
		if err != nil {
			return Status{}, err
		}
		if len(missing) > 0 {
			ids := make([]string, len(missing))
			for i, id := range missing {
				ids[i] = string(id)
			}
			reasons = append(reasons, fmt.Sprintf("missing-objects: %s", strings.Join(ids, ", ")))
		}
	}

	return Status{Promotable: len(reasons) == 0, Reasons: reasons}, nil
}
