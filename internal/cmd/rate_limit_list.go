package cmd

import (
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/output"
)

var (
	rateLimitListAll    bool
	rateLimitListPrefix string
)

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored attempt logs",
	Example: `  gatekeep rate-limit list
  gatekeep rate-limit list --prefix course_generation: --output-format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		_, db, err := openConfiguredStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		sink, err := openCommandSink(cmd, format, "rate-limit.list")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		query := core.RateLimitQuery{
			All:    rateLimitListAll,
			Prefix: strings.TrimSpace(rateLimitListPrefix),
		}
		return listRateLimits(cmd.Context(), db, query, format, sink.writer)
	},
}

func listRateLimits(ctx context.Context, db attemptStore, query core.RateLimitQuery, format output.Format, w io.Writer) error {
	if !query.All && query.Prefix == "" {
		query.All = true
	}
	entries, err := db.ListRateLimits(ctx, query)
	if err != nil {
		return err
	}
	return output.WriteEntries(w, format, entries)
}

func init() {
	addOutputFlags(rateLimitListCmd)
	rateLimitListCmd.Flags().BoolVar(&rateLimitListAll, "all", false, "List all scopes (default)")
	rateLimitListCmd.Flags().StringVar(&rateLimitListPrefix, "prefix", "", "List scopes with matching prefix")
}
