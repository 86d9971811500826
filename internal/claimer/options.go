package claimer

import "time"

const (
	defaultActionTimeout     = 30 * time.Second
	defaultNavigationRetries = 3
	defaultRetryDelay        = time.Second
	defaultLocale            = "en-US"
	defaultUserAgent         = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/130.0.0.0 Safari/537.36"
)

var defaultViewport = Viewport{Width: 1920, Height: 1080}

// Options configures one claim invocation.
// The zero value runs headless with the standard timeouts and retry delay.
type Options struct {
	// Headful shows the browser window and enables failure screenshots.
	Headful       bool
	ActionTimeout time.Duration
	SlowMo        time.Duration
	ProxyURL      string
	// ParentalPIN overrides the PIN stored with the credentials.
	ParentalPIN string
	// DryRun discovers offers without acquiring them.
	DryRun bool
	// MaxGames caps acquisitions per claim; zero means unlimited.
	MaxGames int

	NavigationRetries int
	// RetryDelay separates navigation attempts; zero means one second and a negative value disables it.
	RetryDelay    time.Duration
	ScreenshotDir string
}

// DefaultOptions returns the normalized headless options.
func DefaultOptions() Options {
	return Options{
		ActionTimeout:     defaultActionTimeout,
		NavigationRetries: defaultNavigationRetries,
		RetryDelay:        defaultRetryDelay,
	}
}

func (o Options) normalized() Options {
	if o.ActionTimeout <= 0 {
		o.ActionTimeout = defaultActionTimeout
	}
	if o.NavigationRetries <= 0 {
		o.NavigationRetries = defaultNavigationRetries
	}
	switch {
	case o.RetryDelay == 0:
		o.RetryDelay = defaultRetryDelay
	case o.RetryDelay < 0:
		o.RetryDelay = 0
	}
	if o.MaxGames < 0 {
		o.MaxGames = 0
	}
	return o
}

func (o Options) retryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: o.NavigationRetries, Delay: o.RetryDelay, Timeout: o.ActionTimeout}
}
