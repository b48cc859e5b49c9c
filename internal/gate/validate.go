package gate

import (
	"fmt"
	"strings"

	"github.com/converge-vcs/converge/internal/converr"
)

// Issue is one gate-graph validation failure.
type Issue struct {
	Code     string `json:"code"`
	Gate     string `json:"gate,omitempty"`
	Upstream string `json:"upstream,omitempty"`
	Message  string `json:"message"`
}

const (
	IssueDuplicateGateID = "duplicate-gate-id"
	IssueInvalidGateID   = "invalid-gate-id"
	IssueUnknownUpstream = "unknown-upstream"
	IssueCycle           = "cycle-at"
	IssueMissingTerminal = "missing-terminal"
	IssueUnreachable     = "unreachable-gate"
	IssueEmptyGraph      = "empty-graph"
)

// Validate collects every failure in one pass rather than stopping at the
// first. An empty result means the graph is a connected DAG with an
// existing terminal.
func Validate(g *Graph) []Issue {
	var issues []Issue

	if len(g.Gates) == 0 {
		issues = append(issues, Issue{
			Code:    IssueEmptyGraph,
			Message: "gate graph must contain at least one gate",
		})
	}

	seen := make(map[string]bool, len(g.Gates))
	for _, gt := range g.Gates {
		if err := ValidateGateID(gt.ID); err != nil {
			issues = append(issues, Issue{
				Code: IssueInvalidGateID, Gate: gt.ID, Message: err.Error(),
			})
			continue
		}
		if seen[gt.ID] {
			issues = append(issues, Issue{
				Code: IssueDuplicateGateID, Gate: gt.ID,
				Message: fmt.Sprintf("gate id %s defined more than once", gt.ID),
			})
		}
		seen[gt.ID] = true
	}

	for _, gt := range g.Gates {
		for _, up := range gt.Upstream {
			if !seen[up] {
				issues = append(issues, Issue{
					Code: IssueUnknownUpstream, Gate: gt.ID, Upstream: up,
					Message: fmt.Sprintf("gate %s references unknown upstream %s", gt.ID, up),
				})
			}
		}
	}

	if g.TerminalGate == "" || !seen[g.TerminalGate] {
		issues = append(issues, Issue{
			Code: IssueMissingTerminal, Gate: g.TerminalGate,
			Message: fmt.Sprintf("terminal gate %q does not exist", g.TerminalGate),
		})
	}

	for _, gt := range g.Gates {
		if onCycle(g, gt.ID) {
			issues = append(issues, Issue{
				Code: IssueCycle, Gate: gt.ID,
				Message: fmt.Sprintf("cycle through gate %s", gt.ID),
			})
		}
	}

	memo := make(map[string]int)
	for _, gt := range g.Gates {
		if !reachesRoot(g, gt.ID, memo) {
			issues = append(issues, Issue{
				Code: IssueUnreachable, Gate: gt.ID,
				Message: fmt.Sprintf("gate %s is not reachable from any root gate", gt.ID),
			})
		}
	}

	return issues
}

// Err wraps a non-empty issue list as a gate-graph-invalid error.
func Err(issues []Issue) error {
	if len(issues) == 0 {
		return nil
	}
	parts := make([]string, 0, len(issues))
	for _, i := range issues {
		if i.Gate != "" {
			parts = append(parts, fmt.Sprintf("%s %s", i.Code, i.Gate))
		} else {
			parts = append(parts, i.Code)
		}
	}
	return converr.New(converr.KindGateGraphInvalid,
		fmt.Errorf("gate graph invalid: %s", strings.Join(parts, "; ")))
}

// onCycle reports whether start can reach itself along upstream edges.
func onCycle(g *Graph, start string) bool {
	visited := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		gt, ok := g.Find(id)
		if !ok {
			return false
		}
		for _, up := range gt.Upstream {
			if up == start {
				return true
			}
			if visited[up] {
				continue
			}
			visited[up] = true
			if visit(up) {
				return true
			}
		}
		return false
	}
	return visit(start)
}

// reachesRoot reports whether a gate's upstream chain terminates at a
// zero-upstream root. memo: 0 unknown, 1 in progress, 2 yes, 3 no.
func reachesRoot(g *Graph, id string, memo map[string]int) bool {
	switch memo[id] {
	case 1, 3:
		return false
	case 2:
		return true
	}
	gt, ok := g.Find(id)
	if !ok {
		memo[id] = 3
		return false
	}
	if len(gt.Upstream) == 0 {
		memo[id] = 2
		return true
	}
	memo[id] = 1
	for _, up := range gt.Upstream {
		if reachesRoot(g, up, memo) {
			memo[id] = 2
			return true
		}
	}
	memo[id] = 3
	return false
}
