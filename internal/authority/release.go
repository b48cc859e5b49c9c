package authority

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/converge-vcs/converge/internal/converr"
)

var channelPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Release points a channel at a promotable bundle. Only the terminal
// gate may release unless the producing gate's policy opts in. Channel
// history is append-only; "latest" is the highest sequence number.
func (a *Authority) Release(repoID, bundleID, channel, user, notes string) (*Release, error) {
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("channel %q must match [a-z0-9-]+", channel)
	}

	bundle, err := a.GetBundle(repoID, bundleID)
	if err != nil {
		return nil, err
	}

	g, err := a.GateGraph(repoID)
	if err != nil {
		return nil, err
	}
	gateDef, ok := g.Find(bundle.ProducedByGate)
	if !ok {
		return nil, converr.New(converr.KindGateUnknown,
			fmt.Errorf("gate %s no longer in graph", bundle.ProducedByGate))
	}
	if bundle.ProducedByGate != g.TerminalGate && !gateDef.Policy.AllowReleases {
		return nil, converr.New(converr.KindForbidden,
			fmt.Errorf("gate %s may not release (not terminal, policy does not opt in)",
				bundle.ProducedByGate))
	}

	if err := a.refreshStatus(repoID, bundle); err != nil {
		return nil, err
	}
	if !bundle.Status.Promotable {
		return nil, converr.New(converr.KindNotPromotable,
			fmt.Errorf("bundle %s not promotable: %s", bundleID,
				strings.Join(bundle.Status.Reasons, "; ")))
	}

	releasedAt := now()
	release := &Release{
		ID:         deriveID(repoID, channel, bundleID, user, releasedAt),
		Channel:    channel,
		BundleID:   bundleID,
		ScopeID:    bundle.ScopeID,
		GateID:     bundle.ProducedByGate,
		ReleasedBy: user,
		ReleasedAt: releasedAt,
		Notes:      notes,
	}

	err = a.db.Update(func(txn *badger.Txn) error {
		seq, err := nextReleaseSeq(txn, repoID, channel)
		if err != nil {
			return err
		}
		release.Seq = seq
		return putJSON(txn, releaseKey(repoID, channel, seq), release)
	})
	if err != nil {
		return nil, wrapTxnErr(err)
	}

	a.log.Info().
		Str("repo", repoID).
		Str("channel", channel).
		Str("bundle", bundleID).
		Uint64("seq", release.Seq).
		Msg("release created")
	return release, nil
}

func nextReleaseSeq(txn *badger.Txn, repoID, channel string) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	prefix := releasePrefix(repoID, channel)
	// Reverse-seek to the last key under the prefix.
	seek := append(append([]byte{}, prefix...), 0xff)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return 1, nil
	}
	key := it.Item().Key()
	var seq uint64
	if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
		return 0, fmt.Errorf("malformed release key %q: %w", key, err)
	}
	return seq + 1, nil
}

// ListReleases returns a channel's history, oldest first. An empty
// channel lists every channel.
func (a *Authority) ListReleases(repoID, channel string) ([]*Release, error) {
	var releases []*Release
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var prefix []byte
		if channel == "" {
			prefix = prefixKey("release", repoID)
		} else {
			prefix = releasePrefix(repoID, channel)
		}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r Release
			if err := it.Item().Value(func(val []byte) error {
				return jsonUnmarshal(val, &r)
			}); err != nil {
				return err
			}
			rr := r
			releases = append(releases, &rr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(releases, func(i, j int) bool {
		if releases[i].Channel != releases[j].Channel {
			return releases[i].Channel < releases[j].Channel
		}
		return releases[i].Seq < releases[j].Seq
	})
	return releases, nil
}

// LatestRelease returns a channel's most recent release.
func (a *Authority) LatestRelease(repoID, channel string) (*Release, error) {
	releases, err := a.ListReleases(repoID, channel)
	if err != nil {
		return nil, err
	}
	if len(releases) == 0 {
		return nil, fmt.Errorf("channel %s has no releases", channel)
	}
	return releases[len(releases)-1], nil
}
