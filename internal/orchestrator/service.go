// Package orchestrator coordinates the credential vault and provider claimers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/claimer"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/vault"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxConcurrent is the batch group size.
	DefaultMaxConcurrent = 3
	// DefaultBatchDelay is the pause between batch groups.
	DefaultBatchDelay = 5 * time.Second

	defaultPlatform = "pc"
)

var (
	errMissingVault    = errors.New("orchestrator: credential vault is required")
	errMissingClaimers = errors.New("orchestrator: claimer registry is required")
)

// CredentialVault is the subset of the vault the orchestrator drives.
type CredentialVault interface {
	GetCredentials(ctx context.Context, userID string, p provider.Provider) (provider.Credentials, bool, error)
	MarkCredentialsVerified(ctx context.Context, userID string, p provider.Provider) error
	UpdateCredentialStatus(ctx context.Context, userID string, p provider.Provider, status vault.Status, errorMessage string) error
	ListActiveUserIDs(ctx context.Context, p provider.Provider) ([]string, error)
}

// ClaimerRegistry builds and runs provider claimers.
type ClaimerRegistry interface {
	Claim(ctx context.Context, p provider.Provider, userID string, credentials provider.Credentials, options claimer.Options) claimer.Result
	Providers() []provider.Provider
}

// GameSink records acquired games idempotently.
type GameSink interface {
	InsertIfAbsent(ctx context.Context, userID, title, source, platform string, obtainedAt time.Time) (bool, error)
}

// ServiceConfig describes the dependencies of the orchestrator.
type ServiceConfig struct {
	Vault         CredentialVault
	Claimers      ClaimerRegistry
	Games         GameSink
	Audit         vault.AuditSink
	MaxConcurrent int
	// BatchDelay separates batch groups. Zero disables the pause; negative selects DefaultBatchDelay.
	BatchDelay time.Duration
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service runs single-user and batch claims.
type Service struct {
	vault         CredentialVault
	claimers      ClaimerRegistry
	games         GameSink
	audit         vault.AuditSink
	maxConcurrent int
	batchDelay    time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// ProviderOutcome is one provider's entry in RunAllClaims. Err is set when the provider could
// not be processed or is not implemented; Results may still be populated.
type ProviderOutcome struct {
	Results []claimer.Result
	Err     error
}

// NewService constructs the orchestrator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Vault == nil {
		return nil, errMissingVault
	}
	if cfg.Claimers == nil {
		return nil, errMissingClaimers
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	batchDelay := cfg.BatchDelay
	if batchDelay < 0 {
		batchDelay = DefaultBatchDelay
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		vault:         cfg.Vault,
		claimers:      cfg.Claimers,
		games:         cfg.Games,
		audit:         cfg.Audit,
		maxConcurrent: maxConcurrent,
		batchDelay:    batchDelay,
		clock:         clock,
		logger:        logger,
	}, nil
}

// ClaimForUser claims every free offer for one user. The returned error is non-nil only when
// credentials could not be loaded; claim failures are reported inside the result.
func (s *Service) ClaimForUser(ctx context.Context, userID string, p provider.Provider, options claimer.Options) (claimer.Result, error) {
	started := s.clock()
	credentials, ok, err := s.vault.GetCredentials(ctx, userID, p)
	if err != nil {
		result := claimer.FailedResult(userID, p, s.clock(), err)
		s.finish(ctx, result, started, outcomeFailed)
		return result, err
	}
	if !ok {
		result := claimer.FailedResult(userID, p, s.clock(), vault.ErrNoCredentials)
		s.finish(ctx, result, started, outcomeNoCredentials)
		return result, vault.ErrNoCredentials
	}

	result := s.runClaimer(ctx, userID, p, credentials, options)
	switch {
	case result.NotImplemented:
		// An unsupported provider says nothing about the credentials, so their status is left alone.
		s.finish(ctx, result, started, outcomeNotImplemented)
	case result.Success:
		if err := s.vault.MarkCredentialsVerified(ctx, userID, p); err != nil {
			s.logger.Error("mark credentials verified failed", zap.String("user_id", userID), zap.String("provider", p.String()), zap.Error(err))
		}
		s.recordGames(ctx, result)
		s.finish(ctx, result, started, outcomeSuccess)
	default:
		if first := result.FirstError(); first != nil {
			if err := s.vault.UpdateCredentialStatus(ctx, userID, p, vault.StatusVerificationFailed, first.Error()); err != nil {
				s.logger.Error("update credential status failed", zap.String("user_id", userID), zap.String("provider", p.String()), zap.Error(err))
			}
		}
		s.finish(ctx, result, started, outcomeFailed)
	}
	return result, nil
}

// ClaimForAllUsers claims for every user holding active credentials, in groups of
// maxConcurrent with the batch delay between groups. One user's failure never aborts the batch.
func (s *Service) ClaimForAllUsers(ctx context.Context, p provider.Provider, options claimer.Options) ([]claimer.Result, error) {
	userIDs, err := s.vault.ListActiveUserIDs(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list users for %s: %w", p, err)
	}
	results := make([]claimer.Result, len(userIDs))
	for start := 0; start < len(userIDs); start += s.maxConcurrent {
		if start > 0 {
			if err := s.pause(ctx); err != nil {
				for index := start; index < len(userIDs); index++ {
					results[index] = claimer.FailedResult(userIDs[index], p, s.clock(), err)
				}
				break
			}
		}
		end := min(start+s.maxConcurrent, len(userIDs))
		var group errgroup.Group
		for index := start; index < end; index++ {
			group.Go(func() error {
				results[index] = s.claimIsolated(ctx, userIDs[index], p, options)
				return nil
			})
		}
		_ = group.Wait()
	}
	s.logger.Info("batch claim finished",
		zap.String("provider", p.String()),
		zap.Int("users", len(userIDs)),
		zap.Int("succeeded", countSucceeded(results)))
	return results, nil
}

// RunAllClaims runs ClaimForAllUsers for each registered provider in turn.
func (s *Service) RunAllClaims(ctx context.Context, options claimer.Options) map[provider.Provider]ProviderOutcome {
	outcomes := make(map[provider.Provider]ProviderOutcome)
	for _, p := range s.claimers.Providers() {
		results, err := s.ClaimForAllUsers(ctx, p, options)
		outcome := ProviderOutcome{Results: results, Err: err}
		if err == nil && anyNotImplemented(results) {
			outcome.Err = fmt.Errorf("%w: %s", claimer.ErrProviderNotImplemented, p)
		}
		if outcome.Err != nil {
			s.logger.Warn("provider claim run failed", zap.String("provider", p.String()), zap.Error(outcome.Err))
		}
		outcomes[p] = outcome
	}
	return outcomes
}

// claimIsolated converts a panic anywhere in a user's claim into a failed result.
func (s *Service) claimIsolated(ctx context.Context, userID string, p provider.Provider, options claimer.Options) (result claimer.Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("claim panicked", zap.String("user_id", userID), zap.String("provider", p.String()), zap.Any("panic", recovered))
			result = claimer.FailedResult(userID, p, s.clock(), fmt.Errorf("orchestrator: claim panicked: %v", recovered))
		}
	}()
	result, _ = s.ClaimForUser(ctx, userID, p, options)
	return result
}

func (s *Service) runClaimer(ctx context.Context, userID string, p provider.Provider, credentials provider.Credentials, options claimer.Options) (result claimer.Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("claimer panicked", zap.String("user_id", userID), zap.String("provider", p.String()), zap.Any("panic", recovered))
			result = claimer.FailedResult(userID, p, s.clock(), fmt.Errorf("orchestrator: claimer panicked: %v", recovered))
		}
	}()
	return s.claimers.Claim(ctx, p, userID, credentials, options)
}

func (s *Service) recordGames(ctx context.Context, result claimer.Result) {
	if s.games == nil {
		return
	}
	for _, title := range result.Claimed {
		inserted, err := s.games.InsertIfAbsent(ctx, result.UserID, title, result.Provider.String(), defaultPlatform, result.Timestamp)
		if err != nil {
			s.logger.Error("record claimed game failed", zap.String("user_id", result.UserID), zap.String("provider", result.Provider.String()), zap.Error(err))
			continue
		}
		if !inserted {
			s.logger.Debug("claimed game already recorded", zap.String("user_id", result.UserID), zap.String("provider", result.Provider.String()))
		}
	}
}

// finish records metrics and the claim audit entry. Audit metadata carries counts only.
func (s *Service) finish(ctx context.Context, result claimer.Result, started time.Time, outcome string) {
	providerLabel := result.Provider.String()
	ClaimsTotal.WithLabelValues(providerLabel, outcome).Inc()
	GamesClaimedTotal.WithLabelValues(providerLabel).Add(float64(len(result.Claimed)))
	ClaimDurationSeconds.WithLabelValues(providerLabel).Observe(s.clock().Sub(started).Seconds())

	action := audit.ActionClaimFailed
	if result.Success {
		action = audit.ActionClaimSuccess
	}
	s.logger.Info("claim finished",
		zap.String("user_id", result.UserID),
		zap.String("provider", providerLabel),
		zap.String("outcome", outcome),
		zap.Int("claimed", len(result.Claimed)),
		zap.Int("failed", len(result.Failed)),
		zap.Int("already_owned", len(result.AlreadyOwned)))
	if s.audit == nil {
		return
	}
	record := audit.Record{
		UserID:   result.UserID,
		Provider: providerLabel,
		Action:   action,
		Details: map[string]interface{}{
			"outcome":      outcome,
			"claimed":      len(result.Claimed),
			"failed":       len(result.Failed),
			"alreadyOwned": len(result.AlreadyOwned),
			"skipped":      len(result.Skipped),
			"errors":       len(result.Errors),
		},
	}
	if err := s.audit.Append(ctx, record); err != nil {
		s.logger.Warn("audit append failed", zap.String("user_id", result.UserID), zap.String("provider", providerLabel), zap.Error(err))
	}
}

// pause waits the batch delay unless ctx ends first.
func (s *Service) pause(ctx context.Context) error {
	if s.batchDelay == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(s.batchDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func countSucceeded(results []claimer.Result) int {
	count := 0
	for _, result := range results {
		if result.Success {
			count++
		}
	}
	return count
}

func anyNotImplemented(results []claimer.Result) bool {
	for _, result := range results {
		if result.NotImplemented {
			return true
		}
	}
	return false
}
