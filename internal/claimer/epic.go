package claimer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"go.uber.org/zap"
)

const (
	epicLoginURL     = "https://www.epicgames.com/id/login/epic"
	epicStoreURL     = "https://store.epicgames.com/en-US/"
	epicFreeGamesURL = "https://store.epicgames.com/en-US/free-games"

	epicLoggedInMarker    = `egs-navigation[isloggedin="true"]`
	epicEmailInput        = `#email`
	epicPasswordInput     = `#password`
	epicSignInButton      = `#sign-in`
	epicTwoFactorInput    = `input[name="code-input-0"], #code`
	epicTwoFactorSubmit   = `#continue`
	epicParentalPINInput  = `input[data-testid="parental-pin-input"]`
	epicParentalPINSubmit = `button[data-testid="parental-pin-submit"]`
	epicPurchaseButton    = `button[data-testid="purchase-cta-button"]`
	epicPlaceOrderButton  = `button.payment-btn--primary`

	defaultPollInterval = 500 * time.Millisecond
)

var (
	epicOwnedMarkers        = []string{"In Library", "Owned"}
	epicConfirmationMarkers = []string{"Thanks for your order", "Thank you for buying"}

	errMissingLauncher = errors.New("claimer: browser launcher is required")
)

// epicFreeGamesScript collects listing cards whose displayed price is zero.
const epicFreeGamesScript = `(() => {
  const seen = new Set();
  return Array.from(document.querySelectorAll('a[href*="/p/"], a[href*="/bundles/"]'))
    .filter((card) => /free now|\$0\.00/i.test(card.innerText))
    .map((card) => {
      const heading = card.querySelector('h6');
      const lines = card.innerText.split('\n').map((line) => line.trim())
        .filter((line) => line && !/^(free( now)?|\$0\.00)$/i.test(line));
      return { title: heading ? heading.innerText.trim() : (lines[0] || ''), url: card.href };
    })
    .filter((game) => game.title && !seen.has(game.url) && seen.add(game.url));
})()`

// epicLoginProgressScript reports whether the login page shows a 2FA challenge, is still
// pending, or has navigated away.
const epicLoginProgressScript = `(() => {
  if (document.querySelector(%s)) return 'challenge';
  return location.pathname.includes('/id/login') ? 'pending' : 'done';
})()`

// epicOwnedProbeScript reports whether the purchase button label says the offer is already owned.
const epicOwnedProbeScript = `(() => {
  const button = document.querySelector(%s);
  return button ? %s.includes(button.innerText.trim()) : false;
})()`

const textProbeScript = `(() => {
  const text = document.body ? document.body.innerText : '';
  return %s.some((marker) => text.includes(marker));
})()`

// ClaimOutcome classifies a successful per-game claim.
type ClaimOutcome int

const (
	OutcomeClaimed ClaimOutcome = iota
	OutcomeAlreadyOwned
)

// EpicConfig describes the dependencies of an Epic Games claimer.
type EpicConfig struct {
	Launcher     Launcher
	TOTP         TOTPGenerator
	Options      Options
	Clock        func() time.Time
	Logger       *zap.Logger
	PollInterval time.Duration
}

// EpicClaimer automates the Epic Games Store.
type EpicClaimer struct {
	launcher     Launcher
	totp         TOTPGenerator
	options      Options
	clock        func() time.Time
	logger       *zap.Logger
	pollInterval time.Duration

	lifecycle
	browser     Browser
	session     BrowserContext
	page        Page
	parentalPin string
}

// NewEpicClaimer constructs a claimer for one claim invocation.
func NewEpicClaimer(cfg EpicConfig) *EpicClaimer {
	generator := cfg.TOTP
	if generator == nil {
		generator = NewTOTPGenerator()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &EpicClaimer{
		launcher:     cfg.Launcher,
		totp:         generator,
		options:      cfg.Options.normalized(),
		clock:        clock,
		logger:       logger.With(zap.String("provider", provider.Epic.String())),
		pollInterval: pollInterval,
	}
}

func (c *EpicClaimer) Provider() provider.Provider {
	return provider.Epic
}

func (c *EpicClaimer) State() State {
	return c.state
}

// Initialize opens an isolated browser context with the stealth script and saved cookies.
func (c *EpicClaimer) Initialize(ctx context.Context, credentials provider.Credentials) error {
	if c.state != StateUninitialized {
		return fmt.Errorf("%w: initialize from %s", ErrInvalidState, c.state)
	}
	if c.launcher == nil {
		return errMissingLauncher
	}
	browser, err := c.launcher.Launch(ctx, LaunchOptions{
		Headless: !c.options.Headful,
		ProxyURL: c.options.ProxyURL,
		SlowMo:   c.options.SlowMo,
	})
	if err != nil {
		return fmt.Errorf("claimer: launch browser: %w", err)
	}
	c.browser = browser

	browserContext, err := browser.NewContext(ctx, ContextOptions{
		Viewport:    defaultViewport,
		Locale:      defaultLocale,
		UserAgent:   defaultUserAgent,
		InitScripts: []string{StealthScript},
		Cookies:     credentials.Cookies,
	})
	if err != nil {
		return fmt.Errorf("claimer: open browser context: %w", err)
	}
	c.session = browserContext
	c.parentalPin = c.parentalPIN(credentials)

	page, err := browserContext.NewPage(ctx)
	if err != nil {
		return fmt.Errorf("claimer: open page: %w", err)
	}
	c.page = page
	return c.transition(StateInitialized)
}

// Login signs in and verifies the session by probing for the logged-in navigation marker.
// A session that cannot be verified returns false with a nil error.
func (c *EpicClaimer) Login(ctx context.Context, credentials provider.Credentials) (bool, error) {
	if c.state != StateInitialized {
		return false, fmt.Errorf("%w: login from %s", ErrInvalidState, c.state)
	}
	if len(credentials.Cookies) > 0 {
		if ok, err := c.sessionActive(ctx); err == nil && ok {
			c.logger.Debug("session restored from cookies")
			return true, c.transition(StateLoggedIn)
		}
	}

	if err := c.navigate(ctx, epicLoginURL); err != nil {
		return false, err
	}
	if err := c.do(ctx, func(actionCtx context.Context) error {
		if err := c.page.Fill(actionCtx, epicEmailInput, credentials.Login()); err != nil {
			return err
		}
		if err := c.page.Fill(actionCtx, epicPasswordInput, credentials.Password); err != nil {
			return err
		}
		return c.page.Click(actionCtx, epicSignInButton)
	}); err != nil {
		return false, fmt.Errorf("claimer: submit login form: %w", err)
	}

	if credentials.HasTOTP() {
		if err := c.completeTwoFactor(ctx, credentials.TOTPSecret); err != nil {
			return false, err
		}
	}
	if pin := c.parentalPIN(credentials); pin != "" {
		if _, err := c.enterParentalPINIfPrompted(ctx, pin); err != nil {
			return false, err
		}
	}

	ok, err := c.sessionActive(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		c.captureFailure(ctx, "login")
		c.logger.Warn("login verification failed")
		return false, nil
	}
	return true, c.transition(StateLoggedIn)
}

// Claim runs Initialize, Login, discovery, and per-game acquisition, then releases the browser.
func (c *EpicClaimer) Claim(ctx context.Context, userID string, credentials provider.Credentials) Result {
	result := NewResult(userID, provider.Epic, c.clock())
	defer func() {
		if err := c.Cleanup(); err != nil {
			c.logger.Warn("browser cleanup failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	if c.state == StateUninitialized {
		if err := c.Initialize(ctx, credentials); err != nil {
			result.Errors = append(result.Errors, err)
			return result
		}
	}
	if c.state == StateInitialized {
		ok, err := c.Login(ctx, credentials)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("%w: %w", ErrLoginFailure, err))
			return result
		}
		if !ok {
			result.Errors = append(result.Errors, ErrLoginFailure)
			return result
		}
	}
	if err := c.transition(StateClaiming); err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}

	games, err := c.FindFreeGames(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}
	c.logger.Info("free games discovered", zap.String("user_id", userID), zap.Int("count", len(games)))

	for _, game := range games {
		if c.options.DryRun || (c.options.MaxGames > 0 && len(result.Claimed) >= c.options.MaxGames) {
			result.Skipped = append(result.Skipped, game.Title)
			continue
		}
		if err := ctx.Err(); err != nil {
			result.recordFailure(game.Title, err)
			continue
		}
		outcome, err := c.ClaimGame(ctx, game)
		switch {
		case err != nil:
			c.logger.Warn("claim failed", zap.String("user_id", userID), zap.String("title", game.Title), zap.Error(err))
			result.recordFailure(game.Title, err)
		case outcome == OutcomeAlreadyOwned:
			result.AlreadyOwned = append(result.AlreadyOwned, game.Title)
		default:
			result.Claimed = append(result.Claimed, game.Title)
		}
	}
	result.Success = true
	result.Timestamp = c.clock().UTC()
	return result
}

// FindFreeGames scans the free-games listing for zero-price offers.
func (c *EpicClaimer) FindFreeGames(ctx context.Context) ([]Game, error) {
	if c.state != StateClaiming {
		return nil, fmt.Errorf("%w: discover from %s", ErrInvalidState, c.state)
	}
	if err := c.navigate(ctx, epicFreeGamesURL); err != nil {
		return nil, err
	}
	var games []Game
	if err := c.do(ctx, func(actionCtx context.Context) error {
		return c.page.Evaluate(actionCtx, epicFreeGamesScript, &games)
	}); err != nil {
		return nil, fmt.Errorf("claimer: scan free games: %w", err)
	}
	return games, nil
}

// ClaimGame acquires one offer. Without a confirmation marker the claim fails with
// ErrClaimUnclear even if the store may have granted the game.
func (c *EpicClaimer) ClaimGame(ctx context.Context, game Game) (ClaimOutcome, error) {
	if c.state != StateClaiming {
		return OutcomeClaimed, fmt.Errorf("%w: claim from %s", ErrInvalidState, c.state)
	}
	if err := c.navigate(ctx, game.URL); err != nil {
		return OutcomeClaimed, err
	}
	owned, err := c.alreadyOwned(ctx)
	if err != nil {
		return OutcomeClaimed, fmt.Errorf("claimer: probe ownership: %w", err)
	}
	if owned {
		return OutcomeAlreadyOwned, nil
	}
	if err := c.do(ctx, func(actionCtx context.Context) error {
		return c.page.Click(actionCtx, epicPurchaseButton)
	}); err != nil {
		return OutcomeClaimed, fmt.Errorf("claimer: start purchase: %w", err)
	}
	if err := c.awaitConfirmation(ctx); err != nil {
		return OutcomeClaimed, err
	}
	return OutcomeClaimed, nil
}

// Cleanup closes the page context and browser. It is safe to call more than once.
func (c *EpicClaimer) Cleanup() error {
	if c.state == StateCleaned {
		return nil
	}
	var errs []error
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
	}
	if c.browser != nil {
		if err := c.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
	}
	c.page, c.session, c.browser = nil, nil, nil
	if err := c.transition(StateCleaned); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *EpicClaimer) awaitConfirmation(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.options.ActionTimeout)
	defer cancel()

	placed := false
	pin := c.parentalPin
	pinEntered := pin == ""
	for {
		confirmed, err := c.pageContainsAny(waitCtx, epicConfirmationMarkers)
		if err == nil && confirmed {
			return nil
		}
		if !placed {
			if present, _ := c.page.Exists(waitCtx, epicPlaceOrderButton); present {
				placed = c.page.Click(waitCtx, epicPlaceOrderButton) == nil
			}
		}
		if !pinEntered {
			if present, _ := c.page.Exists(waitCtx, epicParentalPINInput); present {
				pinEntered = c.submitParentalPIN(waitCtx, pin) == nil
			}
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrClaimUnclear
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *EpicClaimer) completeTwoFactor(ctx context.Context, secret string) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.options.ActionTimeout)
	defer cancel()

	selector, _ := json.Marshal(epicTwoFactorInput)
	script := fmt.Sprintf(epicLoginProgressScript, selector)
	for {
		var progress string
		if err := c.page.Evaluate(waitCtx, script, &progress); err == nil {
			switch progress {
			case "done":
				return nil
			case "challenge":
				code, err := c.totp.Code(secret, c.clock())
				if err != nil {
					return err
				}
				if err := c.do(ctx, func(actionCtx context.Context) error {
					if err := c.page.Fill(actionCtx, epicTwoFactorInput, code); err != nil {
						return err
					}
					return c.page.Click(actionCtx, epicTwoFactorSubmit)
				}); err != nil {
					return fmt.Errorf("claimer: submit two-factor code: %w", err)
				}
				c.logger.Debug("two-factor code submitted")
				return nil
			}
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// No challenge appeared; session verification decides the outcome.
			return nil
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *EpicClaimer) enterParentalPINIfPrompted(ctx context.Context, pin string) (bool, error) {
	present, err := c.page.Exists(ctx, epicParentalPINInput)
	if err != nil || !present {
		return false, err
	}
	if err := c.submitParentalPIN(ctx, pin); err != nil {
		return false, fmt.Errorf("claimer: submit parental pin: %w", err)
	}
	return true, nil
}

func (c *EpicClaimer) submitParentalPIN(ctx context.Context, pin string) error {
	return c.do(ctx, func(actionCtx context.Context) error {
		if err := c.page.Fill(actionCtx, epicParentalPINInput, pin); err != nil {
			return err
		}
		return c.page.Click(actionCtx, epicParentalPINSubmit)
	})
}

func (c *EpicClaimer) parentalPIN(credentials provider.Credentials) string {
	if c.options.ParentalPIN != "" {
		return c.options.ParentalPIN
	}
	return credentials.ParentalPIN
}

// sessionActive reports whether the store renders its authenticated navigation.
func (c *EpicClaimer) sessionActive(ctx context.Context) (bool, error) {
	if err := c.navigate(ctx, epicStoreURL); err != nil {
		return false, err
	}
	err := c.do(ctx, func(actionCtx context.Context) error {
		return c.page.WaitVisible(actionCtx, epicLoggedInMarker)
	})
	if errors.Is(err, ErrNavigationTimeout) {
		return false, nil
	}
	return err == nil, err
}

func (c *EpicClaimer) navigate(ctx context.Context, url string) error {
	err := WithNavigationRetries(ctx, c.options.retryPolicy(), func(actionCtx context.Context) error {
		return c.page.Navigate(actionCtx, url)
	})
	if err != nil {
		return fmt.Errorf("claimer: navigate to %s: %w", url, err)
	}
	return nil
}

func (c *EpicClaimer) do(ctx context.Context, action func(context.Context) error) error {
	return withActionTimeout(ctx, c.options.ActionTimeout, action)
}

func (c *EpicClaimer) alreadyOwned(ctx context.Context) (bool, error) {
	selector, err := json.Marshal(epicPurchaseButton)
	if err != nil {
		return false, err
	}
	labels, err := json.Marshal(epicOwnedMarkers)
	if err != nil {
		return false, err
	}
	var owned bool
	err = c.do(ctx, func(actionCtx context.Context) error {
		return c.page.Evaluate(actionCtx, fmt.Sprintf(epicOwnedProbeScript, selector, labels), &owned)
	})
	return owned, err
}

func (c *EpicClaimer) pageContainsAny(ctx context.Context, markers []string) (bool, error) {
	encoded, err := json.Marshal(markers)
	if err != nil {
		return false, err
	}
	var found bool
	err = c.do(ctx, func(actionCtx context.Context) error {
		return c.page.Evaluate(actionCtx, fmt.Sprintf(textProbeScript, encoded), &found)
	})
	return found, err
}

// captureFailure saves a screenshot when the browser is visible.
func (c *EpicClaimer) captureFailure(ctx context.Context, step string) {
	if !c.options.Headful || c.page == nil {
		return
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.options.ActionTimeout)
	defer cancel()
	image, err := c.page.Screenshot(shotCtx)
	if err != nil {
		c.logger.Warn("screenshot failed", zap.String("step", step), zap.Error(err))
		return
	}
	dir := c.options.ScreenshotDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("epic-%s-failure-%d.png", step, c.clock().UnixNano()))
	if err := os.WriteFile(path, image, 0o600); err != nil {
		c.logger.Warn("screenshot write failed", zap.String("path", path), zap.Error(err))
		return
	}
	c.logger.Info("failure screenshot saved", zap.String("step", step), zap.String("path", path))
}
