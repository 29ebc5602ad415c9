package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/boardsync/internal/app"
	"github.com/agentworkforce/boardsync/internal/errs"
	"github.com/agentworkforce/boardsync/internal/workspace"
)

func newContentCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "content",
		Short: "Read or replace the graph of a workspace",
	}

	show := &cobra.Command{
		Use:   "show [id]",
		Short: "Print the graph of a workspace, the active one by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(_ context.Context, a *app.App) (any, error) {
				id, err := workspaceArg(a, args)
				if err != nil {
					return nil, err
				}
				return a.Workspaces.GetContent(id)
			}, printJSON)
		},
	}

	var file string
	set := &cobra.Command{
		Use:   "set [id]",
		Short: "Replace the graph of a workspace from a JSON file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := readGraph(cmd.InOrStdin(), file)
			if err != nil {
				return opts.report(cmd.OutOrStdout(), nil, err, nil)
			}
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				id, err := workspaceArg(a, args)
				if err != nil {
					return nil, err
				}
				if err := a.Workspaces.SaveContent(ctx, id, graph.Nodes, graph.Edges, graph.Viewport); err != nil {
					return nil, err
				}
				return a.Workspaces.Workspace(id)
			}, func(w io.Writer, data any) {
				ws, _ := data.(workspace.Workspace)
				fmt.Fprintf(w, "saved %s to %s\n", plural(ws.Metadata.NodeCount, "node"), ws.Name)
			})
		},
	}
	set.Flags().StringVarP(&file, "file", "f", "-", "graph JSON file, - for stdin")

	cmd.AddCommand(show, set)
	return cmd
}

func workspaceArg(a *app.App, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	active, err := a.Workspaces.ActiveWorkspace()
	if err != nil {
		return "", err
	}
	return active.ID, nil
}

func readGraph(stdin io.Reader, file string) (workspace.ContentGraph, error) {
	const op = "cli.read_graph"
	var raw []byte
	var err error
	if file == "" || file == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return workspace.ContentGraph{}, errs.Wrap(errs.KindValidation, op, err)
	}
	graph := workspace.EmptyGraph()
	if err := json.Unmarshal(raw, &graph); err != nil {
		return workspace.ContentGraph{}, errs.Wrap(errs.KindValidation, op, err)
	}
	return graph, nil
}
