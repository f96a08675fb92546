// SPDX-License-Identifier: MIT

// clipctl is the reference command-line client for a running clipforged
// service. Exit codes: 0 success, 1 generic failure, 2 invalid argument,
// 3 resource busy, 4 not found.
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

const defaultAPI = "http://127.0.0.1:8080"

// usageError marks a locally detected invalid invocation.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

type rootOptions struct {
	apiBase string
}

func (o *rootOptions) client() *client { return newClient(o.apiBase) }

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "clipctl: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "clipctl",
		Short:         "Control a running clipforged service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.apiBase, "api",
		envOr("CLIPFORGE_API", defaultAPI), "base URL of the clipforged API")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	cmd.AddCommand(
		newCreateCommand(opts),
		newProcessCommand(opts),
		newStatusCommand(opts),
		newCancelCommand(opts),
		newRetryCommand(opts),
		newListCommand(opts),
		newVersionCommand(opts),
	)
	return cmd
}

func exitCode(err error) int {
	var usage *usageError
	if errors.As(err, &usage) {
		return 2
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return 2
		case http.StatusNotFound:
			return 4
		case http.StatusConflict, http.StatusTooManyRequests:
			return 3
		}
	}
	return 1
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
