package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/amu-labs/gatekeep/internal/core"
	"github.com/amu-labs/gatekeep/internal/core/engine"
	"github.com/amu-labs/gatekeep/internal/output"
)

var rateLimitRecordCmd = &cobra.Command{
	Use:   "record <scope>",
	Short: "Record an attempt for a scope",
	Long: `Record one attempt for a scope, as the gateway does after dispatching a
gated request, and print the resulting status.

The attempt is refused, and the command fails, when the scope has no
attempts left in its window.`,
	Example: `  gatekeep rate-limit record course_generation:user-42`,
	Args:    cobra.ExactArgs(1),
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

		sink, err := openCommandSink(cmd, format, "rate-limit.record."+args[0])
		if err != nil {
			return err
		}
		defer func() { _ = sink.close() }()

		return recordAttempt(cmd.Context(), limiter, args[0], override, format, sink.writer)
	},
}

// recordAttempt records one attempt and writes the scope's status afterwards.
// A refused attempt still writes the status before returning the error.
func recordAttempt(ctx context.Context, limiter *engine.RateLimiter, scope string, override core.RateLimitOverride, format output.Format, w io.Writer) error {
	recordErr := limiter.RecordAttempt(ctx, scope, override)
	if recordErr != nil && !errors.Is(recordErr, engine.ErrQuotaExhausted) {
		return recordErr
	}

	if err := writeScopeStatus(ctx, limiter, scope, override, format, w); err != nil {
		return err
	}
	if recordErr != nil {
		wait, err := limiter.TimeUntilReset(ctx, scope, override)
		if err != nil {
			return recordErr
		}
		return fmt.Errorf("%w; retry in %s", recordErr, engine.FormatWait(wait))
	}
	return nil
}

func init() {
	addOutputFlags(rateLimitRecordCmd)
	addOverrideFlags(rateLimitRecordCmd)
}
