package authority

import (
	"fmt"
	"regexp"

	"github.com/converge-vcs/converge/internal/gate"
	"github.com/converge-vcs/converge/internal/object"
)

// Repo is the per-repository aggregate root. Everything mutable hangs off
// it; objects live in the repo's content-addressed store.
type Repo struct {
	ID        string   `json:"id"`
	CreatedAt string   `json:"created_at"`
	Scopes    []string `json:"scopes"`
}

// Publication binds a snap to a (scope, gate) for consideration.
// Immutable once created.
type Publication struct {
	ID          string                `json:"id"`
	SnapID      string                `json:"snap_id"`
	RepoID      string                `json:"repo_id"`
	ScopeID     string                `json:"scope_id"`
	GateID      string                `json:"gate_id"`
	LaneID      string                `json:"lane_id,omitempty"`
	PublisherID string                `json:"publisher_id"`
	CreatedAt   string                `json:"created_at"`
	Notes       string                `json:"notes,omitempty"`
	Resolution  *ResolutionProvenance `json:"resolution,omitempty"`
}

// ResolutionProvenance records that a publication was produced by
// resolving a bundle's superpositions.
type ResolutionProvenance struct {
	BundleID     string    `json:"bundle_id"`
	OriginalRoot object.ID `json:"original_root"`
	ResolvedRoot object.ID `json:"resolved_root"`
	CreatedAt    string    `json:"created_at"`
}

// Provenance is who made a bundle and who has approved it.
type Provenance struct {
	CreatedBy string   `json:"created_by"`
	CreatedAt string   `json:"created_at"`
	Approvals []string `json:"approvals"`
}

// Bundle is the output of coalescing a set of inputs at a gate. The
// record is immutable except for approvals and the recomputed status.
type Bundle struct {
	ID             string      `json:"id"`
	ProducedByGate string      `json:"produced_by_gate"`
	ScopeID        string      `json:"scope_id"`
	Inputs         []string    `json:"inputs"`
	RootManifest   object.ID   `json:"root_manifest"`
	Provenance     Provenance  `json:"provenance"`
	Status         gate.Status `json:"status"`
}

// Promotion is one entry in the promotion log.
type Promotion struct {
	ID         string `json:"id"`
	BundleID   string `json:"bundle_id"`
	ScopeID    string `json:"scope_id"`
	FromGate   string `json:"from_gate"`
	ToGate     string `json:"to_gate"`
	PromotedBy string `json:"promoted_by"`
	PromotedAt string `json:"promoted_at"`
}

// Release points a named channel at a bundle. Channel history is
// append-only until pruned by GC.
type Release struct {
	ID         string `json:"id"`
	Channel    string `json:"channel"`
	BundleID   string `json:"bundle_id"`
	ScopeID    string `json:"scope_id"`
	GateID     string `json:"gate_id"`
	ReleasedBy string `json:"released_by"`
	ReleasedAt string `json:"released_at"`
	Notes      string `json:"notes,omitempty"`
	Seq        uint64 `json:"seq"`
}

// LaneHead is the most recent unpublished snap a user shared on a lane.
type LaneHead struct {
	SnapID    string `json:"snap_id"`
	UpdatedAt string `json:"updated_at"`
	ClientID  string `json:"client_id,omitempty"`
}

// Lane partitions publishers; per-user heads (and a bounded history of
// prior heads) are retention roots.
type Lane struct {
	ID          string                `json:"id"`
	Heads       map[string]LaneHead   `json:"heads"`
	HeadHistory map[string][]LaneHead `json:"head_history"`
}

// laneHeadHistoryKeepLast bounds the retained tail of prior heads per
// user. Operational policy, not a correctness constant.
const laneHeadHistoryKeepLast = 5

var (
	repoIDPattern  = regexp.MustCompile(`^[a-z0-9-]+$`)
	scopeIDPattern = regexp.MustCompile(`^[a-z0-9/-]+$`)
	laneIDPattern  = regexp.MustCompile(`^[a-z0-9-]+$`)
)

// ValidateRepoID checks the repo id charset.
func ValidateRepoID(id string) error {
	if !repoIDPattern.MatchString(id) {
		return fmt.Errorf("repo id %q must match [a-z0-9-]+", id)
	}
	return nil
}

// ValidateScopeID checks the scope id charset (scopes may nest with '/').
func ValidateScopeID(id string) error {
	if !scopeIDPattern.MatchString(id) {
		return fmt.Errorf("scope id %q must match [a-z0-9/-]+", id)
	}
	return nil
}

// ValidateLaneID checks the lane id charset.
func ValidateLaneID(id string) error {
	if !laneIDPattern.MatchString(id) {
		return fmt.Errorf("lane id %q must match [a-z0-9-]+", id)
	}
	return nil
}

func repoKey(repo string) []byte          { return []byte("repo:" + repo) }
func graphKey(repo string) []byte         { return []byte("graph:" + repo) }
func pubKey(repo, id string) []byte       { return []byte("pub:" + repo + ":" + id) }
func bundleKey(repo, id string) []byte    { return []byte("bundle:" + repo + ":" + id) }
func promotionKey(repo, id string) []byte { return []byte("promotion:" + repo + ":" + id) }
func laneKey(repo, id string) []byte      { return []byte("lane:" + repo + ":" + id) }
func pinKey(repo, id string) []byte       { return []byte("pin:" + repo + ":" + id) }

func promoStateKey(repo, scope, gateID string) []byte {
	return []byte("promostate:" + repo + ":" + scope + ":" + gateID)
}

func releaseKey(repo, channel string, seq uint64) []byte {
	return []byte(fmt.Sprintf("release:%s:%s:%016d", repo, channel, seq))
}

func releasePrefix(repo, channel string) []byte {
	return []byte(fmt.Sprintf("release:%s:%s:", repo, channel))
}

func prefixKey(parts ...string) []byte {
	out := ""
	for _, p := range parts {
		out += p + ":"
	}
	return []byte(out)
}
