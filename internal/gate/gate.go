// Package gate models the policy graph that governs bundle promotion.
package gate

import (
	"fmt"
	"regexp"
)

// Policy is what a gate demands before a bundle may pass.
type Policy struct {
	AllowSuperpositions           bool   `json:"allow_superpositions"`
	RequiredApprovals             uint32 `json:"required_approvals"`
	AllowMetadataOnlyPublications bool   `json:"allow_metadata_only_publications"`
	AllowReleases                 bool   `json:"allow_releases"`
}

// Gate is one policy boundary in the graph.
type Gate struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Upstream []string `json:"upstream,omitempty"`
	Lane     string   `json:"lane,omitempty"`
	Policy   Policy   `json:"policy"`
}

// Graph is a validated DAG of gates with a designated terminal.
type Graph struct {
	Version      uint32 `json:"version"`
	Gates        []Gate `json:"gates"`
	TerminalGate string `json:"terminal_gate"`
}

// Find returns the gate with the given id.
func (g *Graph) Find(id string) (*Gate, bool) {
	for i := range g.Gates {
		if g.Gates[i].ID == id {
			return &g.Gates[i], true
		}
	}
	return nil, false
}

// Downstreams returns the ids of gates that list id as an upstream.
func (g *Graph) Downstreams(id string) []string {
	var out []string
	for i := range g.Gates {
		for _, up := range g.Gates[i].Upstream {
			if up == id {
				out = append(out, g.Gates[i].ID)
				break
			}
		}
	}
	return out
}

// DefaultGraph is the single-gate graph new repositories start with.
func DefaultGraph() *Graph {
	return &Graph{
		Version: 1,
		Gates: []Gate{{
			ID:       "main",
			Name:     "Main",
			Upstream: nil,
			Policy:   Policy{AllowReleases: true},
		}},
		TerminalGate: "main",
	}
}

var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ValidateGateID checks the `[a-z0-9-]+` id convention.
func ValidateGateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("gate id %q must match [a-z0-9-]+", id)
	}
	return nil
}
