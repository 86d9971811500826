package claimer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

type fakeOffer struct {
	owned           bool
	confirms        bool
	needsPlaceOrder bool
	bodyText        string
	checkoutPIN     bool
}

func (o fakeOffer) purchaseLabel() string {
	if o.owned {
		return "In Library"
	}
	return "Get"
}

// fakeStore emulates the Epic pages the claimer touches.
type fakeStore struct {
	mu sync.Mutex

	password        string
	requireTOTP     string
	cookieSession   bool
	offers          []Game
	offerState      map[string]fakeOffer
	navigateErrors  map[string]int
	panicOnDiscover bool
	parentalPIN     string
	loginPINPrompt  bool

	launches    []LaunchOptions
	contexts    []ContextOptions
	browserOpen int
	contextOpen int
	navigations []string
	fills       map[string]string
	clicks      []string
	screenshots int
	loggedIn    bool
	twoFactorOK bool
	purchased   map[string]bool
	orderPlaced map[string]bool
	currentURL  string
	launchErr   error

	awaitingLoginPIN bool
	pinSubmitted     map[string]bool
	events           []string
}

func newFakeStore(password string) *fakeStore {
	return &fakeStore{
		password:       password,
		offerState:     make(map[string]fakeOffer),
		navigateErrors: make(map[string]int),
		fills:          make(map[string]string),
		purchased:      make(map[string]bool),
		orderPlaced:    make(map[string]bool),
		pinSubmitted:   make(map[string]bool),
	}
}

func (s *fakeStore) addOffer(title string, state fakeOffer) {
	url := "https://store.epicgames.com/en-US/p/" + strings.ToLower(strings.ReplaceAll(title, " ", "-"))
	s.offers = append(s.offers, Game{Title: title, URL: url})
	s.offerState[url] = state
}

func (s *fakeStore) Launch(_ context.Context, options LaunchOptions) (Browser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launchErr != nil {
		return nil, s.launchErr
	}
	s.launches = append(s.launches, options)
	s.browserOpen++
	return &fakeBrowser{store: s}, nil
}

func (s *fakeStore) countNavigations(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, visited := range s.navigations {
		if visited == url {
			count++
		}
	}
	return count
}

func (s *fakeStore) clicked(selector string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, clicked := range s.clicks {
		if clicked == selector {
			count++
		}
	}
	return count
}

type fakeBrowser struct {
	store  *fakeStore
	closed bool
}

func (b *fakeBrowser) NewContext(_ context.Context, options ContextOptions) (BrowserContext, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.store.contexts = append(b.store.contexts, options)
	b.store.contextOpen++
	if len(options.Cookies) > 0 && b.store.cookieSession {
		b.store.loggedIn = true
	}
	return &fakeContext{store: b.store}, nil
}

func (b *fakeBrowser) Close() error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.store.browserOpen--
	}
	return nil
}

type fakeContext struct {
	store  *fakeStore
	closed bool
}

func (c *fakeContext) NewPage(context.Context) (Page, error) {
	return &fakePage{store: c.store}, nil
}

func (c *fakeContext) Close() error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.store.contextOpen--
	}
	return nil
}

type fakePage struct {
	store *fakeStore
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigations = append(s.navigations, url)
	if s.navigateErrors[url] > 0 {
		s.navigateErrors[url]--
		return errors.New("net::ERR_CONNECTION_RESET")
	}
	s.currentURL = url
	return ctx.Err()
}

func (p *fakePage) Fill(_ context.Context, selector, value string) error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills[selector] = value
	return nil
}

func (p *fakePage) Click(_ context.Context, selector string) error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clicks = append(s.clicks, selector)
	switch selector {
	case epicSignInButton:
		if s.fills[epicPasswordInput] == s.password && s.requireTOTP == "" {
			if s.loginPINPrompt {
				s.awaitingLoginPIN = true
			} else {
				s.loggedIn = true
			}
		}
	case epicParentalPINSubmit:
		if s.fills[epicParentalPINInput] != s.parentalPIN {
			s.events = append(s.events, "pin-rejected")
			break
		}
		s.events = append(s.events, "pin-accepted")
		if s.awaitingLoginPIN {
			s.awaitingLoginPIN = false
			s.loggedIn = true
		} else {
			s.pinSubmitted[s.currentURL] = true
		}
	case epicTwoFactorSubmit:
		if s.fills[epicPasswordInput] == s.password && s.fills[epicTwoFactorInput] == s.requireTOTP {
			s.twoFactorOK = true
			s.loggedIn = true
		}
	case epicPurchaseButton:
		s.purchased[s.currentURL] = true
	case epicPlaceOrderButton:
		s.orderPlaced[s.currentURL] = true
	}
	return nil
}

func (p *fakePage) Exists(_ context.Context, selector string) (bool, error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.offerState[s.currentURL]
	switch selector {
	case epicPlaceOrderButton:
		return s.purchased[s.currentURL] && state.needsPlaceOrder && !s.orderPlaced[s.currentURL], nil
	case epicParentalPINInput:
		checkoutPrompt := s.purchased[s.currentURL] && state.checkoutPIN && !s.pinSubmitted[s.currentURL]
		return s.awaitingLoginPIN || checkoutPrompt, nil
	}
	return false, nil
}

func (p *fakePage) WaitVisible(ctx context.Context, selector string) error {
	s := p.store
	s.mu.Lock()
	visible := selector == epicLoggedInMarker && s.loggedIn
	s.mu.Unlock()
	if visible {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) Evaluate(_ context.Context, expression string, out interface{}) error {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()

	var value interface{}
	switch {
	case expression == epicFreeGamesScript:
		if s.panicOnDiscover {
			panic("renderer crashed")
		}
		value = s.offers
	case strings.Contains(expression, "'challenge'"):
		switch {
		case s.requireTOTP != "" && !s.twoFactorOK:
			value = "challenge"
		default:
			value = "done"
		}
	case strings.Contains(expression, "purchase-cta-button"):
		label := s.offerState[s.currentURL].purchaseLabel()
		value = label == "In Library" || label == "Owned"
	case strings.Contains(expression, "document.body"):
		value = s.bodyContainsAny(expression)
	default:
		return errors.New("unexpected expression")
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, out)
}

// bodyContainsAny answers a body text probe. Confirmation text appears only once the
// purchase, any required order placement, and any checkout PIN have gone through.
func (s *fakeStore) bodyContainsAny(expression string) bool {
	state := s.offerState[s.currentURL]
	body := state.bodyText
	placed := !state.needsPlaceOrder || s.orderPlaced[s.currentURL]
	pinCleared := !state.checkoutPIN || s.pinSubmitted[s.currentURL]
	if state.confirms && s.purchased[s.currentURL] && placed && pinCleared {
		body += "\nThanks for your order!"
		s.events = append(s.events, "confirmed")
	}
	for _, marker := range epicConfirmationMarkers {
		if strings.Contains(expression, marker) && strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	s := p.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenshots++
	return []byte("png"), nil
}
