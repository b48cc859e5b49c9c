package authority

import (
	"context"

	"github.com/dgraph-io/badger/v4"

	"github.com/converge-vcs/converge/internal/graph"
	"github.com/converge-vcs/converge/internal/store"
)

// GCOptions controls a collection run.
type GCOptions struct {
	DryRun bool
	// PruneReleasesKeepLast, when non-nil, drops all but the most recent N
	// releases per channel before roots are computed.
	PruneReleasesKeepLast *int
	// PruneMetadata also removes publication and bundle records that no
	// root keeps alive.
	PruneMetadata bool
}

// GCKindCount is the kept/deleted tally for one object kind.
type GCKindCount struct {
	Kept    int `json:"kept"`
	Deleted int `json:"deleted"`
}

// GCReport summarizes a collection run.
type GCReport struct {
	DryRun         bool                   `json:"dry_run"`
	PrunedReleases int                    `json:"pruned_releases"`
	Objects        map[string]GCKindCount `json:"objects"`
	Publications   GCKindCount            `json:"publications"`
	Bundles        GCKindCount            `json:"bundles"`
}

// GC runs mark-and-sweep over one repo. Roots: promotion-state pointers,
// release records (post-prune), pinned bundles, and lane heads with their
// bounded history tails. Everything transitively reachable survives; the
// complement is deleted. A second run is a no-op.
func (a *Authority) GC(ctx context.Context, repoID string, opts GCOptions) (*GCReport, error) {
	if _, err := a.GetRepo(repoID); err != nil {
		return nil, err
	}
	st, err := a.Store(repoID)
	if err != nil {
		return nil, err
	}
	report := &GCReport{DryRun: opts.DryRun, Objects: make(map[string]GCKindCount)}

	keptReleases, err := a.pruneReleases(repoID, opts, report)
	if err != nil {
		return nil, err
	}

	keepBundles, err := a.collectRootBundles(repoID, keptReleases)
	if err != nil {
		return nil, err
	}

	keepPublications := make(map[string]bool)
	keepSnaps := make(map[string]bool)
	reach := graph.NewReachable()

	// Bundle inputs chain transitively: bundle → bundle → publication.
	queue := make([]string, 0, len(keepBundles))
	for id := range keepBundles {
		queue = append(queue, id)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		bundle, err := a.GetBundle(repoID, id)
		if err != nil {
			return nil, err
		}
		if err := reach.MarkManifest(st, bundle.RootManifest); err != nil {
			return nil, err
		}
		for _, input := range bundle.Inputs {
			if pub, err := a.GetPublication(repoID, input); err == nil {
				keepPublications[pub.ID] = true
				keepSnaps[pub.SnapID] = true
				continue
			}
			if !keepBundles[input] {
				keepBundles[input] = true
				queue = append(queue, input)
			}
		}
	}

	lanes, err := a.ListLanes(repoID)
	if err != nil {
		return nil, err
	}
	for _, lane := range lanes {
		for _, head := range lane.Heads {
			keepSnaps[head.SnapID] = true
		}
		for _, history := range lane.HeadHistory {
			for _, head := range history {
				keepSnaps[head.SnapID] = true
			}
		}
	}

	for snapID := range keepSnaps {
		snap, err := st.GetSnap(snapID)
		if err != nil {
			// A lane head may outlive its snap after an earlier sweep.
			continue
		}
		if err := reach.MarkManifest(st, snap.RootManifest); err != nil {
			return nil, err
		}
	}

	if err := a.sweepObjects(ctx, st, reach, keepSnaps, opts.DryRun, report); err != nil {
		return nil, err
	}
	if err := a.sweepMetadata(repoID, keepPublications, keepBundles, opts, report); err != nil {
		return nil, err
	}

	a.log.Info().
		Str("repo", repoID).
		Bool("dry_run", opts.DryRun).
		Interface("objects", report.Objects).
		Msg("gc finished")
	return report, nil
}

// pruneReleases applies prune_releases_keep_last and returns the
// surviving releases.
func (a *Authority) pruneReleases(repoID string, opts GCOptions, report *GCReport) ([]*Release, error) {
	releases, err := a.ListReleases(repoID, "")
	if err != nil {
		return nil, err
	}
	if opts.PruneReleasesKeepLast == nil {
		return releases, nil
	}
	keepLast := *opts.PruneReleasesKeepLast

	byChannel := make(map[string][]*Release)
	for _, r := range releases {
		byChannel[r.Channel] = append(byChannel[r.Channel], r)
	}

	var kept []*Release
	var pruned []*Release
	for _, history := range byChannel {
		// ListReleases orders by seq ascending within a channel.
		cut := len(history) - keepLast
		if cut < 0 {
			cut = 0
		}
		pruned = append(pruned, history[:cut]...)
		kept = append(kept, history[cut:]...)
	}
	report.PrunedReleases = len(pruned)

	if !opts.DryRun && len(pruned) > 0 {
		err := a.db.Update(func(txn *badger.Txn) error {
			for _, r := range pruned {
				if err := txn.Delete(releaseKey(repoID, r.Channel, r.Seq)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return nil, wrapTxnErr(err)
		}
	}
	return kept, nil
}

// collectRootBundles gathers pointer, release, and pin roots.
func (a *Authority) collectRootBundles(repoID string, releases []*Release) (map[string]bool, error) {
	keep := make(map[string]bool)
	pointers, err := a.promotionPointers(repoID)
	if err != nil {
		return nil, err
	}
	for _, bundleID := range pointers {
		keep[bundleID] = true
	}
	for _, r := range releases {
		keep[r.BundleID] = true
	}
	pins, err := a.Pins(repoID)
	if err != nil {
		return nil, err
	}
	for _, id := range pins {
		keep[id] = true
	}
	return keep, nil
}

func (a *Authority) sweepObjects(ctx context.Context, st *store.Store, reach *graph.Reachable, keepSnaps map[string]bool, dryRun bool, report *GCReport) error {
	for _, kind := range store.Kinds {
		ids, err := st.List(kind)
		if err != nil {
			return err
		}
		count := GCKindCount{}
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			keep := false
			if kind == store.KindSnap {
				keep = keepSnaps[string(id)]
			} else {
				keep = reach.Keeps(kind, id)
			}
			if keep {
				count.Kept++
				continue
			}
			count.Deleted++
			if !dryRun {
				if err := st.Delete(kind, id); err != nil {
					return err
				}
			}
		}
		report.Objects[string(kind)] = count
	}
	return nil
}

func (a *Authority) sweepMetadata(repoID string, keepPublications, keepBundles map[string]bool, opts GCOptions, report *GCReport) error {
	pubs, err := a.ListPublications(repoID, "", "")
	if err != nil {
		return err
	}
	bundles, err := a.ListBundles(repoID, "", "")
	if err != nil {
		return err
	}

	var dropPubs, dropBundles []string
	for _, p := range pubs {
		if keepPublications[p.ID] {
			report.Publications.Kept++
		} else {
			report.Publications.Deleted++
			dropPubs = append(dropPubs, p.ID)
		}
	}
	for _, b := range bundles {
		if keepBundles[b.ID] {
			report.Bundles.Kept++
		} else {
			report.Bundles.Deleted++
			dropBundles = append(dropBundles, b.ID)
		}
	}

	if !opts.PruneMetadata || opts.DryRun {
		return nil
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		for _, id := range dropPubs {
			if err := txn.Delete(pubKey(repoID, id)); err != nil {
				return err
			}
		}
		for _, id := range dropBundles {
			if err := txn.Delete(bundleKey(repoID, id)); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapTxnErr(err)
}
