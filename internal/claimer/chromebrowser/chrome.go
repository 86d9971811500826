// Package chromebrowser implements the claimer browser engine on top of the Chrome DevTools Protocol.
package chromebrowser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/claimer"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/provider"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Config describes the Chrome process the launcher starts.
type Config struct {
	// ExecPath overrides Chrome discovery on PATH.
	ExecPath string
	Logger   *zap.Logger
}

// Launcher starts one Chrome process per Launch call.
type Launcher struct {
	execPath string
	logger   *zap.Logger
}

// NewLauncher constructs a Chrome launcher.
func NewLauncher(cfg Config) *Launcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{execPath: cfg.ExecPath, logger: logger}
}

// Launch starts Chrome. The process lives until Browser.Close.
func (l *Launcher) Launch(ctx context.Context, options claimer.LaunchOptions) (claimer.Browser, error) {
	allocatorOptions := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", options.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if options.ProxyURL != "" {
		allocatorOptions = append(allocatorOptions, chromedp.ProxyServer(options.ProxyURL))
	}
	if l.execPath != "" {
		allocatorOptions = append(allocatorOptions, chromedp.ExecPath(l.execPath))
	}

	allocatorCtx, cancelAllocator := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocatorOptions...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocatorCtx, chromedp.WithErrorf(l.errorf))
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAllocator()
		return nil, fmt.Errorf("chromebrowser: start chrome: %w", err)
	}
	return &browser{
		ctx:             browserCtx,
		cancelBrowser:   cancelBrowser,
		cancelAllocator: cancelAllocator,
		slowMo:          options.SlowMo,
	}, nil
}

func (l *Launcher) errorf(format string, args ...interface{}) {
	l.logger.Debug("chromedp", zap.String("message", fmt.Sprintf(format, args...)))
}

type browser struct {
	ctx             context.Context
	cancelBrowser   context.CancelFunc
	cancelAllocator context.CancelFunc
	slowMo          time.Duration
	closeOnce       sync.Once
}

// NewContext opens an incognito-style browser context and applies the page setup to its first tab.
func (b *browser) NewContext(ctx context.Context, options claimer.ContextOptions) (claimer.BrowserContext, error) {
	tabCtx, cancelTab := chromedp.NewContext(b.ctx, chromedp.WithNewBrowserContext())
	setup := []chromedp.Action{
		emulation.SetDeviceMetricsOverride(int64(options.Viewport.Width), int64(options.Viewport.Height), 1, false),
	}
	if options.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(options.UserAgent).WithAcceptLanguage(options.Locale))
	}
	if options.Locale != "" {
		setup = append(setup, emulation.SetLocaleOverride().WithLocale(options.Locale))
	}
	for _, script := range options.InitScripts {
		source := script
		setup = append(setup, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(source).Do(ctx)
			return err
		}))
	}
	if len(options.Cookies) > 0 {
		setup = append(setup, network.SetCookies(cookieParams(options.Cookies)))
	}

	if err := runBounded(ctx, tabCtx, setup...); err != nil {
		cancelTab()
		return nil, fmt.Errorf("chromebrowser: configure context: %w", err)
	}
	return &browserContext{ctx: tabCtx, cancel: cancelTab, slowMo: b.slowMo}, nil
}

func (b *browser) Close() error {
	b.closeOnce.Do(func() {
		_ = chromedp.Cancel(b.ctx)
		b.cancelBrowser()
		b.cancelAllocator()
	})
	return nil
}

type browserContext struct {
	ctx       context.Context
	cancel    context.CancelFunc
	slowMo    time.Duration
	closeOnce sync.Once
}

// NewPage returns the context's tab. Each context owns exactly one page.
func (c *browserContext) NewPage(context.Context) (claimer.Page, error) {
	return &tabPage{ctx: c.ctx, slowMo: c.slowMo}, nil
}

func (c *browserContext) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

type tabPage struct {
	ctx    context.Context
	slowMo time.Duration
}

func (p *tabPage) Navigate(ctx context.Context, url string) error {
	var response *network.Response
	err := p.run(ctx, chromedp.ActionFunc(func(runCtx context.Context) error {
		var err error
		response, err = chromedp.RunResponse(runCtx, chromedp.Navigate(url))
		return err
	}))
	if err != nil {
		return err
	}
	if response != nil && response.Status >= http.StatusInternalServerError {
		return fmt.Errorf("chromebrowser: %s returned %d", url, response.Status)
	}
	return nil
}

func (p *tabPage) Fill(ctx context.Context, selector, value string) error {
	return p.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Clear(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
}

func (p *tabPage) Click(ctx context.Context, selector string) error {
	return p.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (p *tabPage) Exists(ctx context.Context, selector string) (bool, error) {
	encoded, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	var present bool
	err = runBounded(ctx, p.ctx, chromedp.Evaluate(fmt.Sprintf("document.querySelector(%s) !== null", encoded), &present))
	return present, err
}

func (p *tabPage) WaitVisible(ctx context.Context, selector string) error {
	return runBounded(ctx, p.ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *tabPage) Evaluate(ctx context.Context, expression string, out interface{}) error {
	return runBounded(ctx, p.ctx, chromedp.Evaluate(expression, out))
}

func (p *tabPage) Screenshot(ctx context.Context) ([]byte, error) {
	var image []byte
	err := runBounded(ctx, p.ctx, chromedp.FullScreenshot(&image, 90))
	return image, err
}

// run delays by the slow-motion interval before executing the actions.
func (p *tabPage) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.slowMo > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.slowMo):
		}
	}
	return runBounded(ctx, p.ctx, actions...)
}

// runBounded executes actions on the tab while honoring the caller's deadline and cancellation.
// The tab context carries the CDP target; the caller context only bounds the wait.
func runBounded(callerCtx, tabCtx context.Context, actions ...chromedp.Action) error {
	if err := callerCtx.Err(); err != nil {
		return err
	}
	runCtx := tabCtx
	if deadline, ok := callerCtx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(tabCtx, deadline)
		defer cancel()
	}
	done := make(chan error, 1)
	go func() {
		done <- chromedp.Run(runCtx, actions...)
	}()
	select {
	case err := <-done:
		return err
	case <-callerCtx.Done():
		return callerCtx.Err()
	}
}

func cookieParams(cookies []provider.Cookie) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, cookie := range cookies {
		path := cookie.Path
		if path == "" {
			path = "/"
		}
		params = append(params, &network.CookieParam{
			Name:     cookie.Name,
			Value:    cookie.Value,
			Domain:   cookie.Domain,
			Path:     path,
			Secure:   cookie.Secure,
			HTTPOnly: cookie.HTTPOnly,
			URL:      cookieURL(cookie),
		})
	}
	return params
}

func cookieURL(cookie provider.Cookie) string {
	host := strings.TrimPrefix(cookie.Domain, ".")
	if host == "" {
		return ""
	}
	return "https://" + host + "/"
}
