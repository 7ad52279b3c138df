package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	errs "igsession/pkg/errors"
)

// FakeBridge is an in-memory stand-in for the automation bridge. Clients
// created from it share its accounts, tokens and counters.
type FakeBridge struct {
	mu          sync.Mutex
	accounts    map[string]string
	tokens      map[string]string
	challenged  map[string]bool
	deadProxies map[string]bool
	profiles    map[string]Profile
	highlights  map[string][]Highlight
	throttled   bool
	seq         int

	logins  int
	probes  int
	logouts int
	open    int
}

// NewFakeBridge creates an empty bridge
func NewFakeBridge() *FakeBridge {
	return &FakeBridge{
		accounts:    make(map[string]string),
		tokens:      make(map[string]string),
		challenged:  make(map[string]bool),
		deadProxies: make(map[string]bool),
		profiles:    make(map[string]Profile),
		highlights:  make(map[string][]Highlight),
	}
}

// AddAccount registers valid credentials
func (b *FakeBridge) AddAccount(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accounts[username] = password
}

// AddProfile registers a profile returned by GetProfile
func (b *FakeBridge) AddProfile(p Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[p.Username] = p
}

// AddHighlights appends highlights returned by GetHighlights for username
func (b *FakeBridge) AddHighlights(username string, highlights ...Highlight) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.highlights[username] = append(b.highlights[username], highlights...)
}

// Invalidate revokes every session issued for username
func (b *FakeBridge) Invalidate(username string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for token, owner := range b.tokens {
		if owner == username {
			delete(b.tokens, token)
		}
	}
}

// RequireChallenge makes logins for username fail with a challenge
func (b *FakeBridge) RequireChallenge(username string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.challenged[username] = true
}

// SetThrottled makes every call fail with upstream throttling
func (b *FakeBridge) SetThrottled(throttled bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.throttled = throttled
}

// FailProxy makes every call through proxyURL fail to connect
func (b *FakeBridge) FailProxy(proxyURL string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadProxies[proxyURL] = true
}

// Settings issues a valid session for username without a login call
func (b *FakeBridge) Settings(username string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issue(username)
}

// Logins returns the number of login attempts
func (b *FakeBridge) Logins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logins
}

// Probes returns the number of probe calls
func (b *FakeBridge) Probes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.probes
}

// Logouts returns the number of logout calls
func (b *FakeBridge) Logouts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.logouts
}

// OpenClients returns the number of clients not yet closed
func (b *FakeBridge) OpenClients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// NewClient creates a client bound to the bridge
func (b *FakeBridge) NewClient() Client {
	b.mu.Lock()
	b.open++
	b.mu.Unlock()
	return &fakeClient{bridge: b}
}

// Factory returns a Factory over NewClient
func (b *FakeBridge) Factory() Factory {
	return b.NewClient
}

type fakeSettings struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

func (b *FakeBridge) issue(username string) []byte {
	b.seq++
	token := fmt.Sprintf("tok-%d", b.seq)
	b.tokens[token] = username
	data, _ := json.Marshal(fakeSettings{Username: username, Token: token})
	return data
}

// enter checks proxy and throttling state and must be called with mu held
func (b *FakeBridge) enter(proxyURL string) error {
	if b.deadProxies[proxyURL] {
		return errs.New(errs.ErrorTypeProxyConnect, "request through proxy failed")
	}
	if b.throttled {
		return errs.New(errs.ErrorTypeUpstreamThrottled, "upstream rate limit")
	}
	return nil
}

func (b *FakeBridge) valid(settings []byte) (string, bool) {
	var s fakeSettings
	if err := json.Unmarshal(settings, &s); err != nil {
		return "", false
	}
	owner, ok := b.tokens[s.Token]
	return owner, ok && owner == s.Username
}

type fakeClient struct {
	bridge   *FakeBridge
	mu       sync.Mutex
	settings []byte
	proxyURL string
	closed   bool
}

func (c *fakeClient) Login(ctx context.Context, username, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := c.bridge
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logins++

	if err := b.enter(c.proxy()); err != nil {
		return err
	}
	want, ok := b.accounts[username]
	if !ok || want != password {
		return errs.New(errs.ErrorTypeAuthFailed, "credentials rejected")
	}
	if b.challenged[username] {
		return errs.New(errs.ErrorTypeChallenge, "verification challenge required")
	}

	settings := b.issue(username)
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) SetSettings(settings []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = append([]byte(nil), settings...)
	return nil
}

func (c *fakeClient) GetSettings() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.settings) == 0 {
		return nil, errs.New(errs.ErrorTypeLoginRequired, "client holds no session")
	}
	return append([]byte(nil), c.settings...), nil
}

func (c *fakeClient) SetProxy(proxyURL string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxyURL = proxyURL
	return nil
}

func (c *fakeClient) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	settings, _ := c.GetSettings()
	b := c.bridge
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probes++

	if err := b.enter(c.proxy()); err != nil {
		return err
	}
	if _, ok := b.valid(settings); !ok {
		return errs.New(errs.ErrorTypeLoginRequired, "upstream session is not valid")
	}
	return nil
}

func (c *fakeClient) Logout(ctx context.Context) error {
	settings, err := c.GetSettings()
	if err != nil {
		return err
	}
	b := c.bridge
	b.mu.Lock()
	b.logouts++
	if err := b.enter(c.proxy()); err != nil {
		b.mu.Unlock()
		return err
	}
	var s fakeSettings
	if json.Unmarshal(settings, &s) == nil {
		delete(b.tokens, s.Token)
	}
	b.mu.Unlock()

	c.mu.Lock()
	c.settings = nil
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) GetProfile(ctx context.Context, username string) (*Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	settings, _ := c.GetSettings()
	b := c.bridge
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(c.proxy()); err != nil {
		return nil, err
	}
	if _, ok := b.valid(settings); !ok {
		return nil, errs.New(errs.ErrorTypeLoginRequired, "session is no longer accepted")
	}
	p, ok := b.profiles[username]
	if !ok {
		return nil, errs.New(errs.ErrorTypeInvalidInput, "profile not found")
	}
	return &p, nil
}

func (c *fakeClient) GetHighlights(ctx context.Context, username string) ([]Highlight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	settings, _ := c.GetSettings()
	b := c.bridge
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.enter(c.proxy()); err != nil {
		return nil, err
	}
	if _, ok := b.valid(settings); !ok {
		return nil, errs.New(errs.ErrorTypeLoginRequired, "session is no longer accepted")
	}
	if _, ok := b.profiles[username]; !ok {
		return nil, errs.New(errs.ErrorTypeInvalidInput, "profile not found")
	}
	return append([]Highlight(nil), b.highlights[username]...), nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.bridge.mu.Lock()
	c.bridge.open--
	c.bridge.mu.Unlock()
	return nil
}

func (c *fakeClient) proxy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxyURL
}
