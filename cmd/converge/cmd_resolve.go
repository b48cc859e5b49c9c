package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/converge-vcs/converge/internal/authority"
	"github.com/converge-vcs/converge/internal/graph"
	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/transfer"
	"github.com/converge-vcs/converge/internal/workspace"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Inspect and collapse a bundle's superpositions",
	}
	cmd.AddCommand(newResolveListCmd(), newResolvePickCmd(), newResolveClearCmd(),
		newResolveValidateCmd(), newResolveApplyCmd())
	return cmd
}

// fetchBundleRoot pulls the bundle's manifest tree into the local store
// so resolution can run offline afterwards.
func fetchBundleRoot(cmd *cobra.Command, ws *workspace.Workspace, bundleID string) (object.ID, error) {
	client, err := remoteClient(ws)
	if err != nil {
		return "", err
	}
	bundle, err := client.GetBundle(cmd.Context(), bundleID)
	if err != nil {
		return "", err
	}
	if err := transfer.FetchTree(cmd.Context(), client, ws.Store, bundle.RootManifest); err != nil {
		return "", err
	}
	return bundle.RootManifest, nil
}

func newResolveListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <bundle>",
		Short: "List superposition paths and their variants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			root, err := fetchBundleRoot(cmd, ws, args[0])
			if err != nil {
				return err
			}
			res, err := ws.LoadResolution(args[0], root)
			if err != nil {
				return err
			}
			variants, paths, err := graph.SuperpositionPaths(ws.Store, root)
			if err != nil {
				return err
			}
			for _, p := range paths {
				decided := " "
				if _, ok := res.Decisions[p]; ok {
					decided = "+"
				}
				fmt.Printf("%s /%s\n", decided, p)
				for i, v := range variants[p] {
					fmt.Printf("    [%d] %-10s source=%s\n", i, v.Type, v.Source)
				}
			}
			return nil
		},
	}
}

func newResolvePickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pick <bundle> <path> <variant-index>",
		Short: "Choose a variant for a path",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			root, err := fetchBundleRoot(cmd, ws, args[0])
			if err != nil {
				return err
			}
			idx, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("variant index must be a number: %w", err)
			}
			variants, _, err := graph.SuperpositionPaths(ws.Store, root)
			if err != nil {
				return err
			}
			vs, ok := variants[args[1]]
			if !ok {
				return fmt.Errorf("/%s is not a superposition", args[1])
			}
			if idx < 0 || idx >= len(vs) {
				return fmt.Errorf("variant index %d out of range (0..%d)", idx, len(vs)-1)
			}
			res, err := ws.LoadResolution(args[0], root)
			if err != nil {
				return err
			}
			// Picks are stored as keys, so the choice survives any later
			// reordering of the variant list.
			res.Pick(args[1], vs[idx].Key())
			if err := ws.SaveResolution(res); err != nil {
				return err
			}
			fmt.Printf("picked variant %d (source %s) for /%s\n", idx, vs[idx].Source, args[1])
			return nil
		},
	}
}

func newResolveClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <bundle> [path]",
		Short: "Drop a decision, or the whole decision file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return ws.ClearResolution(args[0])
			}
			root, err := fetchBundleRoot(cmd, ws, args[0])
			if err != nil {
				return err
			}
			res, err := ws.LoadResolution(args[0], root)
			if err != nil {
				return err
			}
			res.Clear(args[1])
			return ws.SaveResolution(res)
		},
	}
}

func newResolveValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <bundle>",
		Short: "Report every problem with the decision file at once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			root, err := fetchBundleRoot(cmd, ws, args[0])
			if err != nil {
				return err
			}
			res, err := ws.LoadResolution(args[0], root)
			if err != nil {
				return err
			}
			report, err := ws.ValidateResolution(res)
			if err != nil {
				return err
			}
			if report.OK {
				fmt.Println("resolution is complete")
				return nil
			}
			for _, p := range report.Missing {
				fmt.Printf("missing-decision    /%s\n", p)
			}
			for _, p := range report.Extraneous {
				fmt.Printf("extraneous-decision /%s\n", p)
			}
			for _, i := range report.OutOfRange {
				fmt.Printf("out-of-range-index  /%s (index %d of %d)\n", i.Path, i.Index, i.Variants)
			}
			for _, i := range report.InvalidKeys {
				fmt.Printf("invalid-key         /%s\n", i.Path)
			}
			return fmt.Errorf("resolution incomplete")
		},
	}
}

func newResolveApplyCmd() *cobra.Command {
	var publish bool
	cmd := &cobra.Command{
		Use:   "apply <bundle>",
		Short: "Apply the decision file, snap the result, optionally republish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			root, err := fetchBundleRoot(cmd, ws, args[0])
			if err != nil {
				return err
			}
			res, err := ws.LoadResolution(args[0], root)
			if err != nil {
				return err
			}
			resolved, err := ws.ApplyResolution(res)
			if err != nil {
				return err
			}
			snap, err := ws.SnapFromManifest(resolved, "resolution of bundle "+args[0])
			if err != nil {
				return err
			}
			fmt.Printf("resolved manifest %s\nsnap %s\n", resolved, snap.ID)

			if !publish {
				return nil
			}
			client, err := remoteClient(ws)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := transfer.UploadSnap(ctx, client, ws.Store, snap.ID); err != nil {
				return err
			}
			r := ws.Config.Remote
			pub, err := client.Publish(ctx, snap.ID, r.Scope, r.Gate, r.Lane, "",
				&authority.ResolutionProvenance{
					BundleID:     res.BundleID,
					OriginalRoot: res.RootManifest,
					ResolvedRoot: resolved,
					CreatedAt:    snap.CreatedAt,
				})
			if err != nil {
				return err
			}
			fmt.Printf("republished as publication %s\n", pub.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&publish, "publish", false, "upload and publish the resolved snap")
	return cmd
}
