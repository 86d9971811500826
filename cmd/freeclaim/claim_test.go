package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/claimer"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/orchestrator"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/vault"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingRunner struct {
	lastOptions claimer.Options
	mode        string
	outcomes    map[provider.Provider]orchestrator.ProviderOutcome
}

func (r *recordingRunner) ClaimForUser(_ context.Context, userID string, p provider.Provider, options claimer.Options) (claimer.Result, error) {
	r.mode = "user"
	r.lastOptions = options
	if userID == "missing" {
		return claimer.FailedResult(userID, p, time.Now(), vault.ErrNoCredentials), vault.ErrNoCredentials
	}
	result := claimer.NewResult(userID, p, time.Now())
	result.Success = true
	result.Claimed = []string{"Celeste"}
	return result, nil
}

func (r *recordingRunner) ClaimForAllUsers(_ context.Context, p provider.Provider, options claimer.Options) ([]claimer.Result, error) {
	r.mode = "provider"
	r.lastOptions = options
	result := claimer.NewResult("user-1", p, time.Now())
	result.Success = true
	return []claimer.Result{result}, nil
}

func (r *recordingRunner) RunAllClaims(_ context.Context, options claimer.Options) map[provider.Provider]orchestrator.ProviderOutcome {
	r.mode = "all"
	r.lastOptions = options
	return r.outcomes
}

func TestRunClaimForSingleUser(t *testing.T) {
	runner := &recordingRunner{}
	var out bytes.Buffer

	err := runClaim(context.Background(), runner, claimer.DefaultOptions(), claimFlags{provider: "epic", userID: "user-1", dryRun: true, maxGames: 1}, &out, zap.NewNop())

	require.NoError(t, err)
	require.Equal(t, "user", runner.mode)
	require.True(t, runner.lastOptions.DryRun)
	require.Equal(t, 1, runner.lastOptions.MaxGames)

	var reports []claimReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &reports))
	require.Len(t, reports, 1)
	require.Equal(t, []string{"Celeste"}, reports[0].Results[0].Claimed)
}

func TestRunClaimReportsMissingCredentials(t *testing.T) {
	var out bytes.Buffer

	err := runClaim(context.Background(), &recordingRunner{}, claimer.DefaultOptions(), claimFlags{provider: "epic", userID: "missing"}, &out, zap.NewNop())

	require.ErrorIs(t, err, errClaimsFailed)
	require.Contains(t, out.String(), "no active credentials")
}

func TestRunClaimForProvider(t *testing.T) {
	runner := &recordingRunner{}

	err := runClaim(context.Background(), runner, claimer.DefaultOptions(), claimFlags{provider: "epic"}, &bytes.Buffer{}, zap.NewNop())

	require.NoError(t, err)
	require.Equal(t, "provider", runner.mode)
}

func TestRunClaimRejectsUnknownProvider(t *testing.T) {
	err := runClaim(context.Background(), &recordingRunner{}, claimer.DefaultOptions(), claimFlags{provider: "origin"}, &bytes.Buffer{}, zap.NewNop())

	require.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestRunClaimAcrossProvidersToleratesNotImplemented(t *testing.T) {
	epicResult := claimer.NewResult("user-1", provider.Epic, time.Now())
	epicResult.Success = true
	runner := &recordingRunner{outcomes: map[provider.Provider]orchestrator.ProviderOutcome{
		provider.Epic: {Results: []claimer.Result{epicResult}},
		provider.GOG: {
			Results: []claimer.Result{claimer.NotImplementedResult("user-1", provider.GOG, time.Now())},
			Err:     claimer.ErrProviderNotImplemented,
		},
	}}
	var out bytes.Buffer

	err := runClaim(context.Background(), runner, claimer.DefaultOptions(), claimFlags{}, &out, zap.NewNop())

	require.NoError(t, err)
	require.Equal(t, "all", runner.mode)
	var reports []claimReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &reports))
	require.Len(t, reports, 2)
	require.Equal(t, provider.Epic, reports[0].Provider)
	require.Equal(t, provider.GOG, reports[1].Provider)
	require.NotEmpty(t, reports[1].Error)
}
