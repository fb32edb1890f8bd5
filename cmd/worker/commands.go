package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/noah-isme/gema-feedback-service/internal/config"
	"github.com/noah-isme/gema-feedback-service/internal/service"
)

var rebuildIndexCmd = &cobra.Command{
	Use:   "rebuild-index",
	Short: "Reload every stored embedding and report what the similarity index would hold",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		stats, err := rt.vectors.Rebuild(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d vectors (%d skipped) in %s\n", stats.Loaded, stats.Skipped, stats.Duration)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <submission_id>",
	Short: "Print the feedback status of a submission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		status, err := service.NewFeedbackStatusService(rt.requests, rt.logger).Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), status)
	},
}

var invalidateContextCmd = &cobra.Command{
	Use:   "invalidate-context <assignment_id>",
	Short: "Expire the cached context of an assignment so the next lookup refetches it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		contexts, err := rt.contextCache()
		if err != nil {
			return err
		}
		maintenance := service.NewMaintenanceService(rt.requests, contexts, rt.logger)
		if err := maintenance.InvalidateContext(cmd.Context(), args[0]); err != nil {
			if errors.Is(err, service.ErrAssignmentContextNotFound) {
				return fmt.Errorf("no cached context for assignment %s", args[0])
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "context for assignment %s invalidated\n", args[0])
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that the settings required to run the worker are present",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		missing := cfg.Missing()
		if len(missing) == 0 {
			fmt.Fprintln(out, "all required settings present")
			return nil
		}
		for _, key := range missing {
			fmt.Fprintf(out, "missing: %s\n", key)
		}
		return fmt.Errorf("%d required settings missing", len(missing))
	},
}

func writeJSON(out io.Writer, value interface{}) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
