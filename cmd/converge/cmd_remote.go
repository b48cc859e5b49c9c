package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/converge-vcs/converge/internal/transfer"
	"github.com/converge-vcs/converge/internal/workspace"
)

func remoteClient(ws *workspace.Workspace) (*transfer.Client, error) {
	r := ws.Config.Remote
	if r == nil {
		return nil, fmt.Errorf("no remote configured in %s", ws.StateDir())
	}
	user := os.Getenv("CONVERGE_USER")
	return transfer.NewClient(r.BaseURL, r.Repo, user), nil
}

func newPublishCmd() *cobra.Command {
	var snapID, notes string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Upload a snap and submit it to the configured (scope, gate)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			client, err := remoteClient(ws)
			if err != nil {
				return err
			}
			id, _, err := headManifest(ws, snapID)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := transfer.UploadSnap(ctx, client, ws.Store, id); err != nil {
				return err
			}
			r := ws.Config.Remote
			pub, err := client.Publish(ctx, id, r.Scope, r.Gate, r.Lane, notes, nil)
			if err != nil {
				return err
			}
			fmt.Printf("publication %s (snap %s → %s/%s)\n", pub.ID, id[:12], r.Scope, r.Gate)
			return nil
		},
	}
	cmd.Flags().StringVar(&snapID, "snap", "", "snap id (default HEAD)")
	cmd.Flags().StringVar(&notes, "notes", "", "publication notes")
	return cmd
}

func newBundleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bundle <input>...",
		Short: "Coalesce publications into a bundle at the configured gate",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			client, err := remoteClient(ws)
			if err != nil {
				return err
			}
			r := ws.Config.Remote
			bundle, err := client.CreateBundle(cmd.Context(), r.Scope, r.Gate, args)
			if err != nil {
				return err
			}
			fmt.Printf("bundle %s\n  root %s\n  promotable: %v\n",
				bundle.ID, bundle.RootManifest, bundle.Status.Promotable)
			for _, reason := range bundle.Status.Reasons {
				fmt.Printf("  - %s\n", reason)
			}
			return nil
		},
	}
}

func newApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <bundle>",
		Short: "Record an approval on a bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			client, err := remoteClient(ws)
			if err != nil {
				return err
			}
			bundle, err := client.Approve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("approvals: %d, promotable: %v\n",
				len(bundle.Provenance.Approvals), bundle.Status.Promotable)
			return nil
		},
	}
}

func newPromoteCmd() *cobra.Command {
	var toGate string
	cmd := &cobra.Command{
		Use:   "promote <bundle>",
		Short: "Advance a promotable bundle to a downstream gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			client, err := remoteClient(ws)
			if err != nil {
				return err
			}
			promotion, err := client.Promote(cmd.Context(), args[0], toGate)
			if err != nil {
				return err
			}
			fmt.Printf("promoted %s: %s → %s\n",
				promotion.BundleID[:12], promotion.FromGate, promotion.ToGate)
			return nil
		},
	}
	cmd.Flags().StringVar(&toGate, "to", "", "target gate (default: unique downstream)")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "release <bundle> <channel>",
		Short: "Point a release channel at a bundle",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			client, err := remoteClient(ws)
			if err != nil {
				return err
			}
			release, err := client.Release(cmd.Context(), args[0], args[1], notes)
			if err != nil {
				return err
			}
			fmt.Printf("release %s on channel %s (seq %d)\n",
				release.ID[:12], release.Channel, release.Seq)
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "release notes")
	return cmd
}

func newGCCmd() *cobra.Command {
	var dryRun bool
	var keepLast int
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Run garbage collection on the authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			client, err := remoteClient(ws)
			if err != nil {
				return err
			}
			var prune *int
			if cmd.Flags().Changed("prune-releases-keep-last") {
				prune = &keepLast
			}
			report, err := client.GC(cmd.Context(), dryRun, prune)
			if err != nil {
				return err
			}
			for kind, count := range report.Objects {
				fmt.Printf("%-10s kept %d, deleted %d\n", kind, count.Kept, count.Deleted)
			}
			if report.PrunedReleases > 0 {
				fmt.Printf("pruned %d releases\n", report.PrunedReleases)
			}
			if report.DryRun {
				fmt.Println("(dry run, nothing deleted)")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deleting")
	cmd.Flags().IntVar(&keepLast, "prune-releases-keep-last", 0, "keep only the newest N releases per channel")
	return cmd
}

func newGateGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate-graph",
		Short: "Show or replace the gate graph",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the gate graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			client, err := remoteClient(ws)
			if err != nil {
				return err
			}
			g, err := client.GateGraph(cmd.Context())
			if err != nil {
				return err
			}
			for _, gt := range g.Gates {
				marker := " "
				if gt.ID == g.TerminalGate {
					marker = "*"
				}
				fmt.Printf("%s %-16s upstream=%v approvals=%d superpositions=%v\n",
					marker, gt.ID, gt.Upstream,
					gt.Policy.RequiredApprovals, gt.Policy.AllowSuperpositions)
			}
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "put <file>",
		Short: "Replace the gate graph from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			client, err := remoteClient(ws)
			if err != nil {
				return err
			}
			doc, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			g, err := client.PutGateGraph(cmd.Context(), doc)
			if err != nil {
				return err
			}
			fmt.Printf("gate graph replaced (%d gates, terminal %s)\n", len(g.Gates), g.TerminalGate)
			return nil
		},
	})
	return cmd
}
