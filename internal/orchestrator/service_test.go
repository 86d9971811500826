package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/audit"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/claimer"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/envelope"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/games"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/vault"
	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	epicPayload = `{"email":"player@example.com","password":"hunter2"}`
	gogPayload  = `{"email":"player@example.com","password":"hunter2"}`
)

// scriptedClaimer returns whatever its behavior function produces for a user.
type scriptedClaimer struct {
	provider provider.Provider
	behavior func(userID string) claimer.Result
	state    claimer.State
}

func (c *scriptedClaimer) Provider() provider.Provider { return c.provider }
func (c *scriptedClaimer) State() claimer.State        { return c.state }

func (c *scriptedClaimer) Initialize(context.Context, provider.Credentials) error {
	c.state = claimer.StateInitialized
	return nil
}

func (c *scriptedClaimer) Login(context.Context, provider.Credentials) (bool, error) {
	c.state = claimer.StateLoggedIn
	return true, nil
}

func (c *scriptedClaimer) Claim(_ context.Context, userID string, _ provider.Credentials) claimer.Result {
	defer func() { c.state = claimer.StateCleaned }()
	return c.behavior(userID)
}

func (c *scriptedClaimer) Cleanup() error {
	c.state = claimer.StateCleaned
	return nil
}

type orchestratorFixture struct {
	db       *gorm.DB
	vault    *vault.Service
	audit    *audit.Store
	games    *games.Store
	registry *claimer.Registry
	service  *Service
	now      time.Time
}

func newOrchestratorFixture(t *testing.T, maxConcurrent int, batchDelay time.Duration) *orchestratorFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "orchestrator.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&vault.Credential{}, &audit.Entry{}, &games.Game{}))

	key := make([]byte, envelope.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	cipher, err := envelope.NewCipher(envelope.CipherConfig{
		Keys:           map[int]string{1: base64.StdEncoding.EncodeToString(key)},
		CurrentVersion: 1,
	})
	require.NoError(t, err)

	auditStore, err := audit.NewStore(audit.StoreConfig{Database: db})
	require.NoError(t, err)
	gameStore, err := games.NewStore(db)
	require.NoError(t, err)
	vaultService, err := vault.NewService(vault.ServiceConfig{
		Database:  db,
		Cipher:    cipher,
		Validator: vault.NewSchemaValidator(),
		Audit:     auditStore,
	})
	require.NoError(t, err)

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	registry := claimer.NewRegistry(func() time.Time { return now })
	registry.Register(provider.GOG, func(claimer.Options) claimer.Claimer {
		return claimer.NewStubClaimer(provider.GOG, func() time.Time { return now })
	})

	service, err := NewService(ServiceConfig{
		Vault:         vaultService,
		Claimers:      registry,
		Games:         gameStore,
		Audit:         auditStore,
		MaxConcurrent: maxConcurrent,
		BatchDelay:    batchDelay,
	})
	require.NoError(t, err)

	return &orchestratorFixture{
		db:       db,
		vault:    vaultService,
		audit:    auditStore,
		games:    gameStore,
		registry: registry,
		service:  service,
		now:      now,
	}
}

func (f *orchestratorFixture) registerEpic(behavior func(userID string) claimer.Result) {
	f.registry.Register(provider.Epic, func(claimer.Options) claimer.Claimer {
		return &scriptedClaimer{provider: provider.Epic, behavior: behavior}
	})
}

func (f *orchestratorFixture) saveCredentials(t *testing.T, userID string, p provider.Provider, payload string) {
	t.Helper()
	_, err := f.vault.SaveCredentials(context.Background(), userID, p, []byte(payload), audit.RequestMetadata{})
	require.NoError(t, err)
}

func (f *orchestratorFixture) lastAudit(t *testing.T, userID string, p provider.Provider) audit.Entry {
	t.Helper()
	entries, err := f.audit.List(context.Background(), userID, p.String())
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[len(entries)-1]
}

func successfulClaim(now time.Time, titles ...string) func(string) claimer.Result {
	return func(userID string) claimer.Result {
		result := claimer.NewResult(userID, provider.Epic, now)
		result.Success = true
		result.Claimed = append(result.Claimed, titles...)
		return result
	}
}

func TestClaimForUserRecordsSuccess(t *testing.T) {
	fixture := newOrchestratorFixture(t, 3, 0)
	fixture.registerEpic(successfulClaim(fixture.now, "Alpha", "Beta"))
	fixture.saveCredentials(t, "5", provider.Epic, epicPayload)
	before := testutil.ToFloat64(ClaimsTotal.WithLabelValues("epic", outcomeSuccess))

	result, err := fixture.service.ClaimForUser(context.Background(), "5", provider.Epic, claimer.Options{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, before+1, testutil.ToFloat64(ClaimsTotal.WithLabelValues("epic", outcomeSuccess)))

	owned, err := fixture.games.ListForUser(context.Background(), "5")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "epic", owned[0].Source)

	status, err := fixture.vault.GetCredentialStatus(context.Background(), "5", provider.Epic)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusActive, status.Status)
	assert.NotNil(t, status.LastVerifiedAt)

	entry := fixture.lastAudit(t, "5", provider.Epic)
	assert.Equal(t, audit.ActionClaimSuccess, entry.Action)
	assert.NotContains(t, entry.MetadataJSON, "Alpha")
	var metadata map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(entry.MetadataJSON), &metadata))
	assert.EqualValues(t, 2, metadata["claimed"])
}

func TestClaimForUserGameLoggingIsIdempotent(t *testing.T) {
	fixture := newOrchestratorFixture(t, 3, 0)
	fixture.registerEpic(successfulClaim(fixture.now, "Alpha"))
	fixture.saveCredentials(t, "5", provider.Epic, epicPayload)

	for attempt := 0; attempt < 2; attempt++ {
		_, err := fixture.service.ClaimForUser(context.Background(), "5", provider.Epic, claimer.Options{})
		require.NoError(t, err)
	}

	owned, err := fixture.games.ListForUser(context.Background(), "5")
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestClaimForUserMarksFailure(t *testing.T) {
	fixture := newOrchestratorFixture(t, 3, 0)
	fixture.registerEpic(func(userID string) claimer.Result {
		return claimer.FailedResult(userID, provider.Epic, fixture.now, claimer.ErrLoginFailure)
	})
	fixture.saveCredentials(t, "5", provider.Epic, epicPayload)

	result, err := fixture.service.ClaimForUser(context.Background(), "5", provider.Epic, claimer.Options{})
	require.NoError(t, err)
	assert.False(t, result.Success)

	status, err := fixture.vault.GetCredentialStatus(context.Background(), "5", provider.Epic)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusVerificationFailed, status.Status)
	assert.Equal(t, claimer.ErrLoginFailure.Error(), status.ErrorMessage)
	assert.Equal(t, audit.ActionClaimFailed, fixture.lastAudit(t, "5", provider.Epic).Action)
}

func TestClaimForUserWithoutActiveCredentials(t *testing.T) {
	fixture := newOrchestratorFixture(t, 3, 0)
	var invoked atomic.Int32
	fixture.registerEpic(func(userID string) claimer.Result {
		invoked.Add(1)
		return claimer.NewResult(userID, provider.Epic, fixture.now)
	})
	fixture.saveCredentials(t, "5", provider.Epic, epicPayload)
	require.NoError(t, fixture.vault.UpdateCredentialStatus(context.Background(), "5", provider.Epic, vault.StatusVerificationFailed, "expired session"))

	result, err := fixture.service.ClaimForUser(context.Background(), "5", provider.Epic, claimer.Options{})
	assert.ErrorIs(t, err, vault.ErrNoCredentials)
	require.Len(t, result.Errors, 1)
	assert.ErrorIs(t, result.Errors[0], vault.ErrNoCredentials)
	assert.False(t, result.Success)
	assert.Zero(t, invoked.Load())

	status, err := fixture.vault.GetCredentialStatus(context.Background(), "5", provider.Epic)
	require.NoError(t, err)
	assert.Equal(t, "expired session", status.ErrorMessage)
	assert.Equal(t, audit.ActionClaimFailed, fixture.lastAudit(t, "5", provider.Epic).Action)

	_, err = fixture.service.ClaimForUser(context.Background(), "unknown", provider.Epic, claimer.Options{})
	assert.ErrorIs(t, err, vault.ErrNoCredentials)
}

func TestClaimForAllUsersIsolatesFailures(t *testing.T) {
	fixture := newOrchestratorFixture(t, 3, 5*time.Millisecond)

	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	var seen []string
	fixture.registerEpic(func(userID string) claimer.Result {
		current := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		mu.Lock()
		seen = append(seen, userID)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)

		switch userID {
		case "4":
			panic("browser crashed")
		case "6":
			return claimer.FailedResult(userID, provider.Epic, fixture.now, errors.New("captcha"))
		}
		return successfulClaim(fixture.now, "Alpha")(userID)
	})
	for index := 1; index <= 7; index++ {
		fixture.saveCredentials(t, fmt.Sprint(index), provider.Epic, epicPayload)
	}

	results, err := fixture.service.ClaimForAllUsers(context.Background(), provider.Epic, claimer.Options{})
	require.NoError(t, err)
	require.Len(t, results, 7)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Len(t, seen, 7)

	succeeded := 0
	for index, result := range results {
		assert.Equal(t, fmt.Sprint(index+1), result.UserID)
		if result.Success {
			succeeded++
		}
	}
	assert.Equal(t, 5, succeeded)
	assert.False(t, results[3].Success)
	require.NotEmpty(t, results[3].Errors)
	assert.Contains(t, results[3].FirstError().Error(), "browser crashed")
	assert.False(t, results[5].Success)

	status, err := fixture.vault.GetCredentialStatus(context.Background(), "6", provider.Epic)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusVerificationFailed, status.Status)
}

func TestClaimForAllUsersStopsBetweenGroupsOnCancel(t *testing.T) {
	fixture := newOrchestratorFixture(t, 1, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	fixture.registerEpic(func(userID string) claimer.Result {
		cancel()
		return successfulClaim(fixture.now)(userID)
	})
	for index := 1; index <= 3; index++ {
		fixture.saveCredentials(t, fmt.Sprint(index), provider.Epic, epicPayload)
	}

	results, err := fixture.service.ClaimForAllUsers(ctx, provider.Epic, claimer.Options{})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	for _, result := range results[1:] {
		assert.False(t, result.Success)
		assert.ErrorIs(t, result.FirstError(), context.Canceled)
	}
}

func TestRunAllClaimsContinuesPastUnimplementedProvider(t *testing.T) {
	fixture := newOrchestratorFixture(t, 3, 0)
	fixture.registerEpic(successfulClaim(fixture.now, "Alpha"))
	fixture.saveCredentials(t, "1", provider.GOG, gogPayload)
	fixture.saveCredentials(t, "2", provider.GOG, gogPayload)
	fixture.saveCredentials(t, "1", provider.Epic, epicPayload)

	gogResults, err := fixture.service.ClaimForAllUsers(context.Background(), provider.GOG, claimer.Options{})
	require.NoError(t, err)
	require.Len(t, gogResults, 2)
	for _, result := range gogResults {
		assert.False(t, result.Success)
		assert.ErrorIs(t, result.FirstError(), claimer.ErrProviderNotImplemented)
	}

	outcomes := fixture.service.RunAllClaims(context.Background(), claimer.Options{})
	require.Contains(t, outcomes, provider.GOG)
	require.Contains(t, outcomes, provider.Epic)
	assert.ErrorIs(t, outcomes[provider.GOG].Err, claimer.ErrProviderNotImplemented)
	assert.NoError(t, outcomes[provider.Epic].Err)
	require.Len(t, outcomes[provider.Epic].Results, 1)
	assert.True(t, outcomes[provider.Epic].Results[0].Success)

	status, err := fixture.vault.GetCredentialStatus(context.Background(), "1", provider.GOG)
	require.NoError(t, err)
	assert.Equal(t, vault.StatusActive, status.Status)
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	assert.Error(t, err)
	_, err = NewService(ServiceConfig{Vault: &vault.Service{}})
	assert.Error(t, err)
}
