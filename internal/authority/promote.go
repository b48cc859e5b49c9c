package authority

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/converge-vcs/converge/internal/converr"
)

// Promote advances a promotable bundle to a downstream gate and updates
// the (scope, gate) promotion pointer. Promotions against one
// (repo, scope, target gate) are serialized by a per-triple lock, and
// the pointer is then set unconditionally.
func (a *Authority) Promote(repoID, bundleID, toGate, user string) (*Promotion, error) {
	bundle, err := a.GetBundle(repoID, bundleID)
	if err != nil {
		return nil, err
	}

	g, err := a.GateGraph(repoID)
	if err != nil {
		return nil, err
	}

	if toGate == "" {
		downstreams := g.Downstreams(bundle.ProducedByGate)
		switch len(downstreams) {
		case 0:
			return nil, converr.New(converr.KindGateUnknown,
				fmt.Errorf("gate %s has no downstream to promote into", bundle.ProducedByGate))
		case 1:
			toGate = downstreams[0]
		default:
			return nil, fmt.Errorf("gate %s has %d downstreams (%s); specify a target",
				bundle.ProducedByGate, len(downstreams), strings.Join(downstreams, ", "))
		}
	}

	target, ok := g.Find(toGate)
	if !ok {
		return nil, converr.New(converr.KindGateUnknown,
			fmt.Errorf("target gate %s not in graph", toGate))
	}
	downstream := false
	for _, up := range target.Upstream {
		if up == bundle.ProducedByGate {
			downstream = true
			break
		}
	}
	if !downstream {
		return nil, fmt.Errorf("gate %s is not downstream of %s", toGate, bundle.ProducedByGate)
	}

	mu := a.lock(repoID, bundle.ScopeID, toGate)
	mu.Lock()
	defer mu.Unlock()

	// Re-evaluate at promotion time: approvals or uploads may have moved
	// the needle either way since the bundle was created.
	if err := a.refreshStatus(repoID, bundle); err != nil {
		return nil, err
	}
	if !bundle.Status.Promotable {
		return nil, converr.New(converr.KindNotPromotable,
			fmt.Errorf("bundle %s not promotable: %s", bundleID,
				strings.Join(bundle.Status.Reasons, "; ")))
	}

	promotedAt := now()
	promotion := &Promotion{
		ID:         deriveID(repoID, bundleID, bundle.ScopeID, bundle.ProducedByGate, toGate, user, promotedAt),
		BundleID:   bundleID,
		ScopeID:    bundle.ScopeID,
		FromGate:   bundle.ProducedByGate,
		ToGate:     toGate,
		PromotedBy: user,
		PromotedAt: promotedAt,
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		if err := putJSON(txn, bundleKey(repoID, bundle.ID), bundle); err != nil {
			return err
		}
		if err := putJSON(txn, promotionKey(repoID, promotion.ID), promotion); err != nil {
			return err
		}
		return txn.Set(promoStateKey(repoID, bundle.ScopeID, toGate), []byte(bundleID))
	})
	if err != nil {
		return nil, wrapTxnErr(err)
	}

	a.log.Info().
		Str("repo", repoID).
		Str("bundle", bundleID).
		Str("from", bundle.ProducedByGate).
		Str("to", toGate).
		Msg("bundle promoted")
	return promotion, nil
}

// CurrentBundle returns the promotion pointer for a (scope, gate), or ""
// when nothing has been promoted there.
func (a *Authority) CurrentBundle(repoID, scope, gateID string) (string, error) {
	var current string
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(promoStateKey(repoID, scope, gateID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			current = string(val)
			return nil
		})
	})
	return current, err
}

// ListPromotions returns the promotion log, newest last.
func (a *Authority) ListPromotions(repoID, scope, toGate string) ([]*Promotion, error) {
	var promotions []*Promotion
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := prefixKey("promotion", repoID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var p Promotion
			if err := it.Item().Value(func(val []byte) error {
				return jsonUnmarshal(val, &p)
			}); err != nil {
				return err
			}
			if scope != "" && p.ScopeID != scope {
				continue
			}
			if toGate != "" && p.ToGate != toGate {
				continue
			}
			pp := p
			promotions = append(promotions, &pp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(promotions, func(i, j int) bool {
		if promotions[i].PromotedAt != promotions[j].PromotedAt {
			return promotions[i].PromotedAt < promotions[j].PromotedAt
		}
		return promotions[i].ID < promotions[j].ID
	})
	return promotions, nil
}

// promotionPointers returns every (scope, gate) → bundle pointer.
func (a *Authority) promotionPointers(repoID string) (map[string]string, error) {
	pointers := make(map[string]string)
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := prefixKey("promostate", repoID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			if err := it.Item().Value(func(val []byte) error {
				pointers[key] = string(val)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return pointers, err
}
