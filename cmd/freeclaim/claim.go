package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/claimer"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var errClaimsFailed = errors.New("one or more claims failed")

type claimFlags struct {
	provider string
	userID   string
	dryRun   bool
	maxGames int
}

func newClaimCommand() *cobra.Command {
	flags := &claimFlags{}
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim free games now",
		Long:  "Claims for one user when --user is set, for every active user of --provider otherwise, and for every provider when --provider is empty.",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApplication()
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck
			return runClaim(cmd.Context(), app.orchestrator, app.claimOptions, *flags, cmd.OutOrStdout(), app.logger)
		},
	}
	cmd.Flags().StringVar(&flags.provider, "provider", "", "Provider to claim for (epic, gog, steam)")
	cmd.Flags().StringVar(&flags.userID, "user", "", "Claim for a single user")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Discover offers without acquiring them")
	cmd.Flags().IntVar(&flags.maxGames, "max-games", 0, "Maximum acquisitions per user (0 = unlimited)")
	return cmd
}

type claimRunner interface {
	ClaimForUser(ctx context.Context, userID string, p provider.Provider, options claimer.Options) (claimer.Result, error)
	ClaimForAllUsers(ctx context.Context, p provider.Provider, options claimer.Options) ([]claimer.Result, error)
	RunAllClaims(ctx context.Context, options claimer.Options) map[provider.Provider]orchestrator.ProviderOutcome
}

type claimReport struct {
	Provider provider.Provider `json:"provider"`
	Results  []claimResultView `json:"results"`
	Error    string            `json:"error,omitempty"`
}

type claimResultView struct {
	claimer.Result
	ErrorMessages []string `json:"errors"`
}

func runClaim(ctx context.Context, runner claimRunner, options claimer.Options, flags claimFlags, out io.Writer, logger *zap.Logger) error {
	options.DryRun = flags.dryRun
	if flags.maxGames > 0 {
		options.MaxGames = flags.maxGames
	}

	var reports []claimReport
	switch {
	case flags.userID != "":
		p, err := provider.Parse(flags.provider)
		if err != nil {
			return err
		}
		result, err := runner.ClaimForUser(ctx, flags.userID, p, options)
		reports = append(reports, newClaimReport(p, []claimer.Result{result}, err))
	case flags.provider != "":
		p, err := provider.Parse(flags.provider)
		if err != nil {
			return err
		}
		results, err := runner.ClaimForAllUsers(ctx, p, options)
		reports = append(reports, newClaimReport(p, results, err))
	default:
		outcomes := runner.RunAllClaims(ctx, options)
		for _, p := range provider.All() {
			outcome, ok := outcomes[p]
			if !ok {
				continue
			}
			reports = append(reports, newClaimReport(p, outcome.Results, outcome.Err))
		}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(reports); err != nil {
		return fmt.Errorf("write claim report: %w", err)
	}

	failed := 0
	for _, report := range reports {
		for _, result := range report.Results {
			if !result.Success && !result.NotImplemented {
				failed++
			}
		}
	}
	logger.Info("claim command finished", zap.Int("providers", len(reports)), zap.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("%w: %d", errClaimsFailed, failed)
	}
	return nil
}

func newClaimReport(p provider.Provider, results []claimer.Result, err error) claimReport {
	report := claimReport{Provider: p, Results: make([]claimResultView, 0, len(results))}
	for _, result := range results {
		report.Results = append(report.Results, claimResultView{Result: result, ErrorMessages: result.ErrorMessages()})
	}
	if err != nil {
		report.Error = err.Error()
	}
	return report
}

func logOutcomes(logger *zap.Logger, outcomes map[provider.Provider]orchestrator.ProviderOutcome) {
	for _, p := range provider.All() {
		outcome, ok := outcomes[p]
		if !ok {
			continue
		}
		fields := []zap.Field{zap.String("provider", p.String()), zap.Int("users", len(outcome.Results))}
		if outcome.Err != nil {
			fields = append(fields, zap.Error(outcome.Err))
		}
		logger.Info("scheduled claims finished", fields...)
	}
}
