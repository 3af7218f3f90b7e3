package cmd

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/output"
)

var (
	rateLimitResetAll    bool
	rateLimitResetScope  string
	rateLimitResetPrefix string
	rateLimitResetYes    bool
	rateLimitResetDryRun bool
)

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored attempt logs",
	Example: `  gatekeep rate-limit reset --scope course_generation:user-42
  gatekeep rate-limit reset --prefix course_generation: --dry-run
  gatekeep rate-limit reset --all --yes`,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}

		query := core.RateLimitQuery{
			All:    rateLimitResetAll,
			Scope:  strings.TrimSpace(rateLimitResetScope),
			Prefix: strings.TrimSpace(rateLimitResetPrefix),
		}
		if err := checkResetQuery(query, rateLimitResetYes, rateLimitResetDryRun); err != nil {
			return err
		}

		_, db, err := openConfiguredStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		sink, err := openCommandSink(cmd, format, "rate-limit.reset")
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return resetRateLimits(cmd.Context(), db, query, rateLimitResetDryRun, format, sink.writer)
	},
}

func checkResetQuery(query core.RateLimitQuery, yes, dryRun bool) error {
	if err := query.Validate(); err != nil {
		return err
	}
	if query.All && !yes && !dryRun {
		return errors.New("--all requires --yes (or use --dry-run)")
	}
	return nil
}

func resetRateLimits(ctx context.Context, db attemptStore, query core.RateLimitQuery, dryRun bool, format output.Format, w io.Writer) error {
	matched, err := db.CountRateLimits(ctx, query)
	if err != nil {
		return err
	}

	result := output.ResetResult{Matched: matched, DryRun: dryRun}
	if !dryRun {
		result.Deleted, err = db.ResetRateLimits(ctx, query)
		if err != nil {
			return err
		}
	}
	return output.WriteReset(w, format, result)
}

func init() {
	addOutputFlags(rateLimitResetCmd)
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetAll, "all", false, "Reset all scopes")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetScope, "scope", "", "Reset a single scope (exact match)")
	rateLimitResetCmd.Flags().StringVar(&rateLimitResetPrefix, "prefix", "", "Reset scopes with matching prefix")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetYes, "yes", false, "Confirm destructive reset")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitResetDryRun, "dry-run", false, "Show what would be deleted")
}
