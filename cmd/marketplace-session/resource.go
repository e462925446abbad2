package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/marketplace-session/internal/api"
)

var resourcePaths = map[string]string{
	"profiles":  api.Profiles,
	"stores":    api.Stores,
	"addresses": api.Addresses,
	"ratings":   api.Ratings,
}

func resourceNames() []string {
	names := make([]string, 0, len(resourcePaths))
	for name := range resourcePaths {
		names = append(names, name)
	}

	slices.Sort(names)

	return names
}

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the session credentials now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.gateway.EnsureFresh(ctx); err != nil {
					a.clearCookies()
					return userError(a.logger, "refresh", err)
				}

				fmt.Fprintln(cmd.OutOrStdout(), "Credentials refreshed")

				return nil
			})
		},
	}
}

func newResourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resource <" + strings.Join(resourceNames(), "|") + "> [id]",
		Short: "Print a marketplace collection or one of its items as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, ok := resourcePaths[args[0]]
			if !ok {
				return fmt.Errorf("unknown resource %q; use one of %s", args[0], strings.Join(resourceNames(), ", "))
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				res := a.api.Resource(base)

				var (
					body json.RawMessage
					err  error
				)

				if len(args) == 2 {
					body, err = res.Get(ctx, args[1])
				} else {
					body, err = res.List(ctx, nil)
				}

				if err != nil {
					return userError(a.logger, "resource", err)
				}

				var out bytes.Buffer
				if err := json.Indent(&out, body, "", "  "); err != nil {
					out.Reset()
					out.Write(body)
				}

				fmt.Fprintln(cmd.OutOrStdout(), out.String())

				return nil
			})
		},
	}
}
