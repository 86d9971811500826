package claimer

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
)

// Viewport is the fixed window size applied to every browser context.
type Viewport struct {
	Width  int
	Height int
}

// LaunchOptions configures a browser process.
type LaunchOptions struct {
	Headless bool
	ProxyURL string
	SlowMo   time.Duration
}

// ContextOptions configures an isolated browser context.
// InitScripts run before any page script on every navigation.
type ContextOptions struct {
	Viewport    Viewport
	Locale      string
	UserAgent   string
	InitScripts []string
	Cookies     []provider.Cookie
}

// Launcher starts browser processes.
type Launcher interface {
	Launch(ctx context.Context, options LaunchOptions) (Browser, error)
}

// Browser is a running browser process.
type Browser interface {
	NewContext(ctx context.Context, options ContextOptions) (BrowserContext, error)
	Close() error
}

// BrowserContext is an isolated session sharing no cookies or storage with other contexts.
type BrowserContext interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab. Selectors are CSS selectors.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// Exists probes the current document without waiting.
	Exists(ctx context.Context, selector string) (bool, error)
	// WaitVisible blocks until the selector is visible or ctx expires.
	WaitVisible(ctx context.Context, selector string) error
	// Evaluate runs a JavaScript expression and decodes its JSON result into out.
	Evaluate(ctx context.Context, expression string, out interface{}) error
	Screenshot(ctx context.Context) ([]byte, error)
}
