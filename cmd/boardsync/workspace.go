package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/boardsync/internal/app"
	"github.com/agentworkforce/boardsync/internal/workspace"
)

type workspaceRow struct {
	workspace.Workspace
	Active bool `json:"active"`
}

func newWorkspaceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workspace",
		Aliases: []string{"ws"},
		Short:   "Manage workspaces",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.App) (any, error) {
				return workspaceRows(a), nil
			}, printWorkspaces)
		},
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a workspace and make it active",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Workspaces.CreateWorkspace(ctx, strings.Join(args, " "))
			}, printWorkspace("created"))
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a workspace",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Workspaces.RenameWorkspace(ctx, args[0], strings.Join(args[1:], " "))
			}, printWorkspace("renamed"))
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workspace and its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				if err := a.Workspaces.DeleteWorkspace(ctx, args[0]); err != nil {
					return nil, err
				}
				return workspaceRows(a), nil
			}, printWorkspaces)
		},
	}

	use := &cobra.Command{
		Use:   "use <id>",
		Short: "Make a workspace active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Workspaces.SetActiveWorkspace(ctx, args[0])
			}, printWorkspace("active"))
		},
	}

	tag := &cobra.Command{
		Use:   "tag <id> [tags...]",
		Short: "Replace the tags of a workspace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tags := append([]string{}, args[1:]...)
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Workspaces.UpdateMetadata(ctx, args[0], workspace.MetadataUpdate{Tags: &tags})
			}, printWorkspace("tagged"))
		},
	}

	var unarchive bool
	archive := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			archived := !unarchive
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Workspaces.UpdateMetadata(ctx, args[0], workspace.MetadataUpdate{IsArchived: &archived})
			}, printWorkspace("updated"))
		},
	}
	archive.Flags().BoolVar(&unarchive, "undo", false, "restore an archived workspace")

	cmd.AddCommand(list, create, rename, del, use, tag, archive)
	return cmd
}

func workspaceRows(a *app.App) []workspaceRow {
	active, _ := a.Workspaces.ActiveWorkspace()
	all := a.Workspaces.Workspaces()
	rows := make([]workspaceRow, 0, len(all))
	for _, ws := range all {
		rows = append(rows, workspaceRow{Workspace: ws, Active: ws.ID == active.ID})
	}
	return rows
}

func printWorkspaces(w io.Writer, data any) {
	rows, _ := data.([]workspaceRow)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\tID\tNAME\tNODES\tTAGS\tMODIFIED")
	for _, row := range rows {
		marker := ""
		if row.Active {
			marker = "*"
		}
		name := row.Name
		if row.Metadata.IsArchived {
			name += " (archived)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			marker, row.ID, name, row.Metadata.NodeCount,
			strings.Join(row.Metadata.Tags, ","),
			row.LastModified.Local().Format("2006-01-02 15:04"),
		)
	}
	_ = tw.Flush()
}

func printWorkspace(verb string) func(io.Writer, any) {
	return func(w io.Writer, data any) {
		ws, ok := data.(workspace.Workspace)
		if !ok {
			return
		}
		fmt.Fprintf(w, "%s %s (%s)\n", verb, ws.Name, ws.ID)
	}
}
