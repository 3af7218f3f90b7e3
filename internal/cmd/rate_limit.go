package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amu-labs/gatekeep/internal/core"
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect and manage stored attempt logs",
	Long: `Inspect and manage the attempt logs the gateway persists per scope.

A scope is "<family>:<subject>", for example "course_generation:user-42".
Commands read the same store the server is configured with.`,
}

func init() {
	rateLimitCmd.AddCommand(rateLimitListCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rateLimitCmd.AddCommand(rateLimitStatusCmd)
	rateLimitCmd.AddCommand(rateLimitRecordCmd)
	rootCmd.AddCommand(rateLimitCmd)
}

// addOverrideFlags registers per-call limit overrides.
func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().Int("max-attempts", 0, "Override max attempts for this call")
	cmd.Flags().Duration("window", 0, "Override the sliding window for this call (e.g. 30m)")
	cmd.Flags().Duration("cooldown", 0, "Override the cooldown for this call (0 disables)")
}

func overrideFromFlags(cmd *cobra.Command) (core.RateLimitOverride, error) {
	var override core.RateLimitOverride

	maxAttempts, err := cmd.Flags().GetInt("max-attempts")
	if err != nil {
		return override, err
	}
	if maxAttempts < 0 {
		return override, fmt.Errorf("--max-attempts must be positive, got %d", maxAttempts)
	}
	override.MaxAttempts = maxAttempts

	window, err := cmd.Flags().GetDuration("window")
	if err != nil {
		return override, err
	}
	if window < 0 {
		return override, fmt.Errorf("--window must be positive, got %s", window)
	}
	override.Window = window

	if cmd.Flags().Changed("cooldown") {
		cooldown, err := cmd.Flags().GetDuration("cooldown")
		if err != nil {
			return override, err
		}
		if cooldown < 0 {
			return override, fmt.Errorf("--cooldown must not be negative, got %s", cooldown)
		}
		override.Cooldown = &cooldown
	}
	return override, nil
}
