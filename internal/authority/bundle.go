package authority

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/converge-vcs/converge/internal/coalesce"
	"github.com/converge-vcs/converge/internal/converr"
	"github.com/converge-vcs/converge/internal/gate"
	"github.com/converge-vcs/converge/internal/object"
)

// BundleRequest asks the authority to coalesce inputs at a gate.
type BundleRequest struct {
	ScopeID   string
	GateID    string
	Inputs    []string // publication or bundle ids
	CreatedBy string
}

// resolveInput maps an input id to the root manifest it contributes:
// publications contribute their snap's root, bundles their own root.
func (a *Authority) resolveInput(repoID, id string) (coalesce.Input, error) {
	if pub, err := a.GetPublication(repoID, id); err == nil {
		st, err := a.Store(repoID)
		if err != nil {
			return coalesce.Input{}, err
		}
		snap, err := st.GetSnap(pub.SnapID)
		if err != nil {
			return coalesce.Input{}, err
		}
		return coalesce.Input{Publication: pub.ID, Root: snap.RootManifest}, nil
	}
	if b, err := a.GetBundle(repoID, id); err == nil {
		return coalesce.Input{Publication: b.ID, Root: b.RootManifest}, nil
	}
	return coalesce.Input{}, converr.New(converr.KindPublicationUnknown,
		fmt.Errorf("input %s is neither a publication nor a bundle", id))
}

// CreateBundle coalesces the inputs into a bundle manifest and records
// the bundle with its initial promotability status. Bundle creation for a
// (scope, gate) is serialized so the bundle history stays linear.
func (a *Authority) CreateBundle(repoID string, req BundleRequest) (*Bundle, error) {
	if err := ValidateScopeID(req.ScopeID); err != nil {
		return nil, err
	}
	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("bundle requires at least one input")
	}

	g, err := a.GateGraph(repoID)
	if err != nil {
		return nil, err
	}
	gateDef, ok := g.Find(req.GateID)
	if !ok {
		return nil, converr.New(converr.KindGateUnknown,
			fmt.Errorf("gate %s not in graph", req.GateID))
	}

	inputs := append([]string(nil), req.Inputs...)
	sort.Strings(inputs)
	inputs = dedupe(inputs)

	mu := a.lock(repoID, req.ScopeID, req.GateID)
	mu.Lock()
	defer mu.Unlock()

	merge := make([]coalesce.Input, 0, len(inputs))
	for _, id := range inputs {
		in, err := a.resolveInput(repoID, id)
		if err != nil {
			return nil, err
		}
		merge = append(merge, in)
	}

	st, err := a.Store(repoID)
	if err != nil {
		return nil, err
	}
	root, err := coalesce.Coalesce(st, merge)
	if err != nil {
		return nil, err
	}

	status, err := gate.EvaluatePromotability(st, root, gateDef, 0)
	if err != nil {
		return nil, err
	}

	createdAt := now()
	idFields := []string{repoID, req.ScopeID, req.GateID, string(root)}
	idFields = append(idFields, inputs...)
	idFields = append(idFields, req.CreatedBy, createdAt)
	bundle := &Bundle{
		ID:             deriveID(idFields...),
		ProducedByGate: req.GateID,
		ScopeID:        req.ScopeID,
		Inputs:         inputs,
		RootManifest:   root,
		Provenance: Provenance{
			CreatedBy: req.CreatedBy,
			CreatedAt: createdAt,
			Approvals: []string{},
		},
		Status: status,
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, bundleKey(repoID, bundle.ID), bundle)
	})
	if err != nil {
		return nil, wrapTxnErr(err)
	}

	a.log.Info().
		Str("repo", repoID).
		Str("bundle", bundle.ID).
		Str("gate", req.GateID).
		Int("inputs", len(inputs)).
		Bool("promotable", status.Promotable).
		Msg("bundle created")
	return bundle, nil
}

// GetBundle loads one bundle.
func (a *Authority) GetBundle(repoID, id string) (*Bundle, error) {
	var b Bundle
	err := a.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, bundleKey(repoID, id), &b)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, converr.New(converr.KindBundleUnknown, fmt.Errorf("bundle %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBundles returns a repo's bundles, optionally filtered by scope and
// gate, ordered by id.
func (a *Authority) ListBundles(repoID, scope, gateID string) ([]*Bundle, error) {
	var bundles []*Bundle
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := prefixKey("bundle", repoID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var b Bundle
			if err := it.Item().Value(func(val []byte) error {
				return jsonUnmarshal(val, &b)
			}); err != nil {
				return err
			}
			if scope != "" && b.ScopeID != scope {
				continue
			}
			if gateID != "" && b.ProducedByGate != gateID {
				continue
			}
			bb := b
			bundles = append(bundles, &bb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].ID < bundles[j].ID })
	return bundles, nil
}

// Approve appends a user's approval and recomputes the status. Approving
// twice is a no-op.
func (a *Authority) Approve(repoID, bundleID, user string) (*Bundle, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("approver cannot be empty")
	}
	bundle, err := a.GetBundle(repoID, bundleID)
	if err != nil {
		return nil, err
	}
	for _, existing := range bundle.Provenance.Approvals {
		if existing == user {
			return bundle, nil
		}
	}
	bundle.Provenance.Approvals = append(bundle.Provenance.Approvals, user)

	if err := a.refreshStatus(repoID, bundle); err != nil {
		return nil, err
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, bundleKey(repoID, bundle.ID), bundle)
	})
	if err != nil {
		return nil, wrapTxnErr(err)
	}
	a.log.Info().
		Str("repo", repoID).
		Str("bundle", bundleID).
		Str("user", user).
		Bool("promotable", bundle.Status.Promotable).
		Msg("bundle approved")
	return bundle, nil
}

// refreshStatus recomputes promotability in place. The status is a pure
// function of the manifest, the gate policy, and the approvals.
func (a *Authority) refreshStatus(repoID string, bundle *Bundle) error {
	g, err := a.GateGraph(repoID)
	if err != nil {
		return err
	}
	gateDef, ok := g.Find(bundle.ProducedByGate)
	if !ok {
		return converr.New(converr.KindGateUnknown,
			fmt.Errorf("gate %s no longer in graph", bundle.ProducedByGate))
	}
	st, err := a.Store(repoID)
	if err != nil {
		return err
	}
	status, err := gate.EvaluatePromotability(st, bundle.RootManifest, gateDef,
		len(bundle.Provenance.Approvals))
	if err != nil {
		return err
	}
	bundle.Status = status
	return nil
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}

// BundleRoot exposes a bundle's manifest id for traversal callers.
func (a *Authority) BundleRoot(repoID, bundleID string) (object.ID, error) {
	b, err := a.GetBundle(repoID, bundleID)
	if err != nil {
		return "", err
	}
	return b.RootManifest, nil
}
