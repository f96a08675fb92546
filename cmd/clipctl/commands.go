// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/clipforge/clipforge/internal/version"
)

// exactArgs wraps the cobra validator so argument mistakes exit with the
// invalid-argument code instead of the generic one.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, werr := w.Write(raw)
		return werr
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

type createOptions struct {
	name        string
	description string
	category    string
	videoPath   string
	subtitle    string
	sourceURL   string
	platform    string
	cookieJar   string
	autoPrune   bool
}

func newCreateCommand(root *rootOptions) *cobra.Command {
	opts := &createOptions{}
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project from a local file or a remote URL",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.name == "" {
				return &usageError{errors.New("--name is required")}
			}
			var raw json.RawMessage
			switch {
			case opts.videoPath != "" && opts.sourceURL != "":
				return &usageError{errors.New("choose one of --video or --url")}
			case opts.videoPath != "":
				fields := map[string]string{
					"name":          opts.name,
					"description":   opts.description,
					"category":      opts.category,
					"source_type":   "local",
					"platform":      opts.platform,
					"cookie_jar_id": opts.cookieJar,
				}
				if opts.autoPrune {
					fields["auto_prune"] = "true"
				}
				files := map[string]string{"video": opts.videoPath}
				if opts.subtitle != "" {
					files["subtitle"] = opts.subtitle
				}
				// Uploads run unbounded; the media can be large.
				if err := root.client().upload(cmd.Context(), fields, files, &raw); err != nil {
					return err
				}
			case opts.sourceURL != "":
				body := map[string]any{
					"name":        opts.name,
					"source_type": "remote",
					"source_url":  opts.sourceURL,
				}
				if opts.description != "" {
					body["description"] = opts.description
				}
				if opts.category != "" {
					body["category"] = opts.category
				}
				if opts.platform != "" {
					body["platform"] = opts.platform
				}
				if opts.cookieJar != "" {
					body["cookie_jar_id"] = opts.cookieJar
				}
				if opts.autoPrune {
					body["auto_prune"] = true
				}
				ctx, cancel := callCtx(cmd.Context())
				defer cancel()
				if err := root.client().do(ctx, http.MethodPost, "/projects", body, &raw); err != nil {
					return err
				}
			default:
				return &usageError{errors.New("either --video or --url is required")}
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "project name (required)")
	cmd.Flags().StringVar(&opts.description, "description", "", "project description")
	cmd.Flags().StringVar(&opts.category, "category", "", "content category")
	cmd.Flags().StringVar(&opts.videoPath, "video", "", "local video file to upload")
	cmd.Flags().StringVar(&opts.subtitle, "subtitle", "", "local subtitle file to upload")
	cmd.Flags().StringVar(&opts.sourceURL, "url", "", "remote source URL to download")
	cmd.Flags().StringVar(&opts.platform, "platform", "", "source platform hint")
	cmd.Flags().StringVar(&opts.cookieJar, "cookie-jar", "", "cookie jar id for authenticated downloads")
	cmd.Flags().BoolVar(&opts.autoPrune, "auto-prune", false, "allow the retention sweep to prune this project")
	return cmd
}

func newProcessCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "process <project-id>",
		Short: "Queue the highlight pipeline for a project",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx(cmd.Context())
			defer cancel()
			var raw json.RawMessage
			if err := root.client().do(ctx, http.MethodPost, "/projects/"+args[0]+"/process", nil, &raw); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newStatusCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id>",
		Short: "Show a project's current state",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx(cmd.Context())
			defer cancel()
			var raw json.RawMessage
			if err := root.client().do(ctx, http.MethodGet, "/projects/"+args[0], nil, &raw); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newCancelCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <project-id>",
		Short: "Cancel a queued or running pipeline",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx(cmd.Context())
			defer cancel()
			var raw json.RawMessage
			if err := root.client().do(ctx, http.MethodPost, "/projects/"+args[0]+"/cancel", nil, &raw); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

func newRetryCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <project-id>",
		Short: "Retry a failed or cancelled pipeline from where it stopped",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callCtx(cmd.Context())
			defer cancel()
			var raw json.RawMessage
			if err := root.client().do(ctx, http.MethodPost, "/projects/"+args[0]+"/retry", nil, &raw); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
}

type listOptions struct {
	status string
	limit  int
	offset int
}

type projectRow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
}

func newListCommand(root *rootOptions) *cobra.Command {
	opts := &listOptions{limit: 50}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/projects?limit=" + strconv.Itoa(opts.limit) + "&offset=" + strconv.Itoa(opts.offset)
			if opts.status != "" {
				path += "&status=" + opts.status
			}
			ctx, cancel := callCtx(cmd.Context())
			defer cancel()
			var list struct {
				Projects []projectRow `json:"projects"`
				Total    int          `json:"total"`
			}
			if err := root.client().do(ctx, http.MethodGet, path, nil, &list); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tCREATED")
			for _, p := range list.Projects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\n",
					p.ID, p.Name, p.Status, p.Progress, p.CreatedAt.Local().Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "total: %d\n", list.Total)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.status, "status", "", "filter by status (CREATED, QUEUED, RUNNING, COMPLETED, FAILED, CANCELLED)")
	cmd.Flags().IntVar(&opts.limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "page offset")
	return cmd
}

func newVersionCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client and server build information",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "clipctl %s\n", version.String())

			ctx, cancel := callCtx(cmd.Context())
			defer cancel()
			var build struct {
				Version string `json:"version"`
				Commit  string `json:"commit"`
				Date    string `json:"date"`
			}
			if err := root.client().do(ctx, http.MethodGet, "/version", nil, &build); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "server: unreachable")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "server %s (commit: %s, built: %s)\n",
				build.Version, build.Commit, build.Date)
			return nil
		},
	}
}
