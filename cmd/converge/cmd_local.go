package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/converge-vcs/converge/internal/object"
	"github.com/converge-vcs/converge/internal/workspace"
)

func openWorkspace() (*workspace.Workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return workspace.Open(cwd)
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			ws, err := workspace.Init(cwd)
			if err != nil {
				return err
			}
			fmt.Printf("initialized workspace %s\n", ws.Config.WorkspaceID)
			return nil
		},
	}
}

func newSnapCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "snap",
		Short: "Capture the working tree as an immutable snap",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			snap, err := ws.CreateSnap(cmd.Context(), message)
			if err != nil {
				return err
			}
			fmt.Printf("snap %s\n  root %s\n  %d files, %d dirs, %d symlinks, %d bytes\n",
				snap.ID, snap.RootManifest,
				snap.Stats.Files, snap.Stats.Dirs, snap.Stats.Symlinks, snap.Stats.Bytes)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "snap message")
	return cmd
}

func newSnapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snaps",
		Short: "List local snaps, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			head, err := ws.Head()
			if err != nil {
				return err
			}
			snaps, err := ws.ListSnaps()
			if err != nil {
				return err
			}
			for _, s := range snaps {
				marker := " "
				if s.ID == head {
					marker = "*"
				}
				fmt.Printf("%s %s  %s  %s\n", marker, s.ID[:12], s.CreatedAt, s.Message)
			}
			return nil
		},
	}
}

func newDiffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <snap-a> <snap-b>",
		Short: "Compare two snaps",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			a, err := ws.Store.GetSnap(args[0])
			if err != nil {
				return err
			}
			b, err := ws.Store.GetSnap(args[1])
			if err != nil {
				return err
			}
			changes, err := ws.DiffManifests(a.RootManifest, b.RootManifest)
			if err != nil {
				return err
			}
			for _, c := range changes {
				fmt.Printf("%-9s %s\n", c.Kind, c.Path)
				if c.Text != "" {
					fmt.Print(c.Text)
				}
			}
			return nil
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var dest string
	cmd := &cobra.Command{
		Use:   "restore <snap>",
		Short: "Materialize a snap's tree to the filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace()
			if err != nil {
				return err
			}
			snap, err := ws.Store.GetSnap(args[0])
			if err != nil {
				return err
			}
			target := dest
			if target == "" {
				target = ws.Root
			}
			if err := ws.Restore(cmd.Context(), snap.RootManifest, target); err != nil {
				return err
			}
			fmt.Printf("restored %s to %s\n", args[0][:12], target)
			return nil
		},
	}
	cmd.Flags().StringVar(&dest, "dest", "", "destination directory (default workspace root)")
	return cmd
}

// headManifest resolves a snap id argument, defaulting to HEAD.
func headManifest(ws *workspace.Workspace, arg string) (string, object.ID, error) {
	snapID := arg
	if snapID == "" {
		head, err := ws.Head()
		if err != nil {
			return "", "", err
		}
		if head == "" {
			return "", "", fmt.Errorf("no snap yet (run converge snap)")
		}
		snapID = head
	}
	snap, err := ws.Store.GetSnap(snapID)
	if err != nil {
		return "", "", err
	}
	return snap.ID, snap.RootManifest, nil
}
