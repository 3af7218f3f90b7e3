package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/core/engine"
	"github.com/amu-labs/gatekeep/internal/output"
)

var rateLimitStatusCmd = &cobra.Command{
	Use:   "status <scope>",
	Short: "Show whether a scope may make another attempt",
	Long: `Show a scope's admission status under its effective limits.

Limits come from the scope's family in rate_limits, then rate_limit, then
any --max-attempts, --window or --cooldown given here. Nothing is recorded.`,
	Example: `  gatekeep rate-limit status course_generation:user-42
  gatekeep rate-limit status course_generation:user-42 --max-attempts 5 --output-format yaml`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := resolveOutputFormat(cmd)
		if err != nil {
			return err
		}
		override, err := overrideFromFlags(cmd)
		if err != nil {
			return err
		}

		cfg, db, err := openConfiguredStore(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		limiter, err := engine.NewRateLimiter(db, cfg.RateLimit, cfg.RateLimits)
		if err != nil {
			return err
		}

		sink, err := openCommandSink(cmd, format, "rate-limit.status."+args[0])
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return writeScopeStatus(cmd.Context(), limiter, args[0], override, format, sink.writer)
	},
}

func writeScopeStatus(ctx context.Context, limiter *engine.RateLimiter, scope string, override core.RateLimitOverride, format output.Format, w io.Writer) error {
	limits, err := limiter.Config(scope, override)
	if err != nil {
		return err
	}
	status, err := limiter.Check(ctx, scope, override)
	if err != nil {
		return err
	}
	return output.WriteStatus(w, format, output.NewScopeStatus(scope, limits, status))
}

func init() {
	addOutputFlags(rateLimitStatusCmd)
	addOverrideFlags(rateLimitStatusCmd)
}
