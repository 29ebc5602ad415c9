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

type exportResult struct {
	WorkspaceID string `json:"workspaceId"`
	Path        string `json:"path,omitempty"`
	Bytes       int    `json:"bytes"`

	Document json.RawMessage `json:"document,omitempty"`
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Write a workspace as a portable JSON document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc []byte
			err := opts.run(cmd, func(_ context.Context, a *app.App) (any, error) {
				id, err := workspaceArg(a, args)
				if err != nil {
					return nil, err
				}
				if doc, err = a.Workspaces.Export(id); err != nil {
					return nil, err
				}
				if out == "" || out == "-" {
					if opts.jsonOut {
						return exportResult{WorkspaceID: id, Bytes: len(doc), Document: doc}, nil
					}
					return nil, nil
				}
				if err := os.WriteFile(out, doc, 0o644); err != nil {
					return nil, errs.Wrap(errs.KindStorage, "cli.export", err)
				}
				return exportResult{WorkspaceID: id, Path: out, Bytes: len(doc)}, nil
			}, func(w io.Writer, data any) {
				if res, ok := data.(exportResult); ok && res.Path != "" {
					fmt.Fprintf(w, "exported %s to %s\n", res.WorkspaceID, res.Path)
					return
				}
				_, _ = w.Write(doc)
				fmt.Fprintln(w)
			})
			return err
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "file to write, stdout when empty")
	return cmd
}

func newImportCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import an exported workspace as a new workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			var err error
			if args[0] == "-" {
				raw, err = io.ReadAll(cmd.InOrStdin())
			} else {
				raw, err = os.ReadFile(args[0])
			}
			if err != nil {
				return opts.report(cmd.OutOrStdout(), nil, errs.Wrap(errs.KindValidation, "cli.import", err), nil)
			}
			return opts.run(cmd, func(ctx context.Context, a *app.App) (any, error) {
				return a.Workspaces.Import(ctx, raw)
			}, func(w io.Writer, data any) {
				ws, _ := data.(workspace.Workspace)
				fmt.Fprintf(w, "imported %s (%s) with %s\n", ws.Name, ws.ID, plural(ws.Metadata.NodeCount, "node"))
			})
		},
	}
	return cmd
}
