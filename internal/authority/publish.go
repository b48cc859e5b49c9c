package authority

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"lukechampine.com/blake3"

	"github.com/converge-vcs/converge/internal/converr"
)

// PublishRequest submits an uploaded snap to a (scope, gate).
type PublishRequest struct {
	SnapID      string
	ScopeID     string
	GateID      string
	LaneID      string
	PublisherID string
	Notes       string
	Resolution  *ResolutionProvenance
}

// deriveID hashes newline-joined identity fields into a record id.
func deriveID(fields ...string) string {
	h := blake3.New(32, nil)
	for i, f := range fields {
		if i > 0 {
			h.Write([]byte("\n"))
		}
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Publish records a publication for an already-uploaded snap. The snap's
// manifest tree must be present; blob bytes may still be pending (staged
// upload), which promotability later reports per gate policy.
func (a *Authority) Publish(repoID string, req PublishRequest) (*Publication, error) {
	if err := ValidateScopeID(req.ScopeID); err != nil {
		return nil, err
	}
	if req.LaneID != "" {
		if err := ValidateLaneID(req.LaneID); err != nil {
			return nil, err
		}
	}

	ok, err := a.hasScope(repoID, req.ScopeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, converr.New(converr.KindScopeUnknown,
			fmt.Errorf("scope %s not registered on repo %s", req.ScopeID, repoID))
	}

	g, err := a.GateGraph(repoID)
	if err != nil {
		return nil, err
	}
	if _, ok := g.Find(req.GateID); !ok {
		return nil, converr.New(converr.KindGateUnknown,
			fmt.Errorf("gate %s not in graph", req.GateID))
	}

	st, err := a.Store(repoID)
	if err != nil {
		return nil, err
	}
	if _, err := st.GetSnap(req.SnapID); err != nil {
		return nil, err
	}

	createdAt := now()
	id := deriveID(repoID, req.SnapID, req.ScopeID, req.GateID, req.PublisherID, createdAt)
	pub := &Publication{
		ID:          id,
		SnapID:      req.SnapID,
		RepoID:      repoID,
		ScopeID:     req.ScopeID,
		GateID:      req.GateID,
		LaneID:      req.LaneID,
		PublisherID: req.PublisherID,
		CreatedAt:   createdAt,
		Notes:       req.Notes,
		Resolution:  req.Resolution,
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, pubKey(repoID, pub.ID), pub)
	})
	if err != nil {
		return nil, wrapTxnErr(err)
	}

	if req.LaneID != "" {
		if err := a.SetLaneHead(repoID, req.LaneID, req.PublisherID, req.SnapID, ""); err != nil {
			return nil, err
		}
	}

	a.log.Info().
		Str("repo", repoID).
		Str("publication", pub.ID).
		Str("scope", req.ScopeID).
		Str("gate", req.GateID).
		Msg("publication created")
	return pub, nil
}

// GetPublication loads one publication.
func (a *Authority) GetPublication(repoID, id string) (*Publication, error) {
	var pub Publication
	err := a.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, pubKey(repoID, id), &pub)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, converr.New(converr.KindPublicationUnknown,
			fmt.Errorf("publication %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	return &pub, nil
}

// ListPublications returns a repo's publications, optionally filtered,
// ordered by id.
func (a *Authority) ListPublications(repoID, scope, gateID string) ([]*Publication, error) {
	var pubs []*Publication
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := prefixKey("pub", repoID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var pub Publication
			if err := it.Item().Value(func(val []byte) error {
				return jsonUnmarshal(val, &pub)
			}); err != nil {
				return err
			}
			if scope != "" && pub.ScopeID != scope {
				continue
			}
			if gateID != "" && pub.GateID != gateID {
				continue
			}
			p := pub
			pubs = append(pubs, &p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pubs, func(i, j int) bool { return pubs[i].ID < pubs[j].ID })
	return pubs, nil
}

// SetLaneHead records a user's newest snap on a lane, pushing the prior
// head onto a bounded history tail. Heads and their tails are GC roots.
func (a *Authority) SetLaneHead(repoID, laneID, user, snapID, clientID string) error {
	if err := ValidateLaneID(laneID); err != nil {
		return err
	}
	err := a.db.Update(func(txn *badger.Txn) error {
		lane := Lane{ID: laneID}
		if err := getJSON(txn, laneKey(repoID, laneID), &lane); err != nil &&
			!errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if lane.Heads == nil {
			lane.Heads = make(map[string]LaneHead)
		}
		if lane.HeadHistory == nil {
			lane.HeadHistory = make(map[string][]LaneHead)
		}
		if prev, ok := lane.Heads[user]; ok {
			history := append([]LaneHead{prev}, lane.HeadHistory[user]...)
			if len(history) > laneHeadHistoryKeepLast {
				history = history[:laneHeadHistoryKeepLast]
			}
			lane.HeadHistory[user] = history
		}
		lane.Heads[user] = LaneHead{SnapID: snapID, UpdatedAt: now(), ClientID: clientID}
		return putJSON(txn, laneKey(repoID, laneID), &lane)
	})
	return wrapTxnErr(err)
}

// ListLanes returns every lane on a repo.
func (a *Authority) ListLanes(repoID string) ([]*Lane, error) {
	var lanes []*Lane
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := prefixKey("lane", repoID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var lane Lane
			if err := it.Item().Value(func(val []byte) error {
				return jsonUnmarshal(val, &lane)
			}); err != nil {
				return err
			}
			l := lane
			lanes = append(lanes, &l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i].ID < lanes[j].ID })
	return lanes, nil
}

// Pin marks a bundle as a permanent GC root.
func (a *Authority) Pin(repoID, bundleID string) error {
	if _, err := a.GetBundle(repoID, bundleID); err != nil {
		return err
	}
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pinKey(repoID, bundleID), []byte{})
	})
	return wrapTxnErr(err)
}

// Unpin removes a pin.
func (a *Authority) Unpin(repoID, bundleID string) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pinKey(repoID, bundleID))
	})
	return wrapTxnErr(err)
}

// Pins lists pinned bundle ids.
func (a *Authority) Pins(repoID string) ([]string, error) {
	var pins []string
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := prefixKey("pin", repoID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			pins = append(pins, strings.TrimPrefix(string(it.Item().Key()), string(prefix)))
		}
		return nil
	})
	sort.Strings(pins)
	return pins, err
}
