package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"igsession/pkg/auth"
	errs "igsession/pkg/errors"
	"igsession/pkg/logger"
)

const (
	// DefaultTTL is how long a stored session is trusted without a refresh
	DefaultTTL = 24 * time.Hour
	// DefaultCapacity is the number of users one proxy may serve
	DefaultCapacity = 5

	// usernames cannot contain '#', so this never collides with a user key
	assignLockKey = "#proxy-assign"
)

// Sealer encrypts session blobs before they reach the backend
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Store owns the lifecycle of session records and the proxy capacity
// accounting derived from their bindings.
type Store struct {
	backend  Backend
	locker   Locker
	sealer   Sealer
	ttl      time.Duration
	capacity int
	now      func() time.Time
	log      logger.Logger
}

// Option configures a Store
type Option func(*Store)

// WithTTL sets how long a session stays valid after its last refresh
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.ttl = ttl }
}

// WithCapacity sets the maximum number of users bound to one proxy
func WithCapacity(n int) Option {
	return func(s *Store) { s.capacity = n }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLocker replaces the in-process KeyedMutex, e.g. with a RedisLocker
// when several instances share one backend.
func WithLocker(l Locker) Option {
	return func(s *Store) { s.locker = l }
}

// WithSealer encrypts session blobs at rest
func WithSealer(sealer Sealer) Option {
	return func(s *Store) { s.sealer = sealer }
}

// WithLogger sets the store logger
func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore creates a Store over backend
func NewStore(backend Backend, opts ...Option) *Store {
	s := &Store{
		backend:  backend,
		locker:   NewKeyedMutex(),
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
		now:      time.Now,
		log:      logger.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the stored session for username if one exists and has not
// expired. Expired records are left in place.
func (s *Store) Get(ctx context.Context, username string) (State, bool, error) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return nil, false, err
	}

	rec, err := s.load(ctx, username)
	if err != nil || rec == nil {
		return nil, false, err
	}
	if len(rec.Session) == 0 || s.expired(rec) {
		return nil, false, nil
	}

	state, err := s.open(rec.Session)
	if err != nil {
		return nil, false, errs.Wrap(errs.ErrorTypeStorage, "failed to open stored session", err)
	}
	return state, true, nil
}

// Save replaces the record for username and stamps it with the current
// time. A non-empty password is hashed; otherwise any existing hash is kept.
func (s *Store) Save(ctx context.Context, username string, state State, proxy, password string) error {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return err
	}

	unlock, err := s.lock(ctx, username)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := s.load(ctx, username)
	if err != nil {
		return err
	}

	hash := ""
	if password != "" {
		hash, err = auth.HashPassword(password)
		if err != nil {
			return errs.Wrap(errs.ErrorTypeStorage, "failed to hash password", err)
		}
	} else if existing != nil {
		hash = existing.Password
	}

	sealed, err := s.seal(state)
	if err != nil {
		return errs.Wrap(errs.ErrorTypeStorage, "failed to seal session", err)
	}

	rec := &Record{
		Username:  username,
		Session:   sealed,
		Proxy:     proxy,
		Timestamp: s.now(),
		Password:  hash,
	}
	if err := s.put(ctx, existing, rec); err != nil {
		return err
	}

	s.log.WithFields(map[string]interface{}{
		"username": username,
		"proxy":    logger.MaskProxy(proxy),
	}).Debug("Session saved")
	return nil
}

// Clear empties the stored session (logout). The proxy binding and password
// hash survive; a non-empty proxy replaces the binding.
func (s *Store) Clear(ctx context.Context, username, proxy string) error {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return err
	}

	unlock, err := s.lock(ctx, username)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := s.load(ctx, username)
	if err != nil {
		return err
	}
	if existing == nil && proxy == "" {
		return nil
	}

	rec := existing.Clone()
	if rec == nil {
		rec = &Record{Username: username}
	}
	rec.Session = nil
	if proxy != "" {
		rec.Proxy = proxy
	}
	rec.Timestamp = s.now()

	if err := s.put(ctx, existing, rec); err != nil {
		return err
	}
	s.log.WithField("username", username).Debug("Session cleared")
	return nil
}

// GetProxyFor returns the proxy bound to username, if any
func (s *Store) GetProxyFor(ctx context.Context, username string) (string, bool, error) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return "", false, err
	}
	rec, err := s.load(ctx, username)
	if err != nil || rec == nil || rec.Proxy == "" {
		return "", false, err
	}
	return rec.Proxy, true, nil
}

// AssignProxy binds username to the first candidate below capacity.
// If username is already bound to one of the candidates that binding is
// returned unchanged.
func (s *Store) AssignProxy(ctx context.Context, username string, candidates []string) (string, error) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", errs.New(errs.ErrorTypeNoAvailableProxy, "no proxy candidates")
	}

	unlock, err := s.lock(ctx, username)
	if err != nil {
		return "", err
	}
	defer unlock()

	existing, err := s.load(ctx, username)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.Proxy != "" && contains(candidates, existing.Proxy) {
		return existing.Proxy, nil
	}

	unlockAssign, err := s.lock(ctx, assignLockKey)
	if err != nil {
		return "", err
	}
	defer unlockAssign()

	load, err := s.proxyLoad(ctx)
	if err != nil {
		return "", err
	}

	for _, candidate := range candidates {
		if load[candidate] >= s.capacity {
			continue
		}
		rec := existing.Clone()
		if rec == nil {
			rec = &Record{Username: username}
		}
		rec.Proxy = candidate
		if err := s.backend.Put(ctx, rec); err != nil {
			return "", errs.Wrap(errs.ErrorTypeStorage, "failed to bind proxy", err)
		}

		s.log.WithFields(map[string]interface{}{
			"username": username,
			"proxy":    logger.MaskProxy(candidate),
			"load":     load[candidate] + 1,
			"capacity": s.capacity,
		}).Info("Proxy assigned")
		return candidate, nil
	}

	return "", errs.New(errs.ErrorTypeNoAvailableProxy,
		fmt.Sprintf("all %d candidate proxies are at capacity", len(candidates)))
}

// Available filters candidates to those below capacity, preserving order.
func (s *Store) Available(ctx context.Context, candidates []string) ([]string, error) {
	load, err := s.proxyLoad(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if load[c] < s.capacity {
			out = append(out, c)
		}
	}
	return out, nil
}

// VerifyPassword reports whether password matches the stored hash.
// Always false when no hash is stored.
func (s *Store) VerifyPassword(ctx context.Context, username, password string) (bool, error) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return false, err
	}
	rec, err := s.load(ctx, username)
	if err != nil || rec == nil || rec.Password == "" {
		return false, err
	}
	ok, err := auth.VerifyPassword(rec.Password, password)
	if err != nil {
		return false, errs.Wrap(errs.ErrorTypeStorage, "stored password hash is unreadable", err)
	}
	return ok, nil
}

// HasPassword reports whether a password hash is stored for username
func (s *Store) HasPassword(ctx context.Context, username string) (bool, error) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return false, err
	}
	rec, err := s.load(ctx, username)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.Password != "", nil
}

// Info summarizes a record without exposing the session or hash
type Info struct {
	Username    string    `json:"username"`
	Proxy       string    `json:"proxy,omitempty"`
	HasSession  bool      `json:"has_session"`
	Expired     bool      `json:"expired"`
	HasPassword bool      `json:"has_password"`
	Timestamp   time.Time `json:"timestamp"`
}

// Inspect returns a summary of the record for username
func (s *Store) Inspect(ctx context.Context, username string) (*Info, error) {
	username = NormalizeUsername(username)
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	rec, err := s.load(ctx, username)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRecordNotFound
	}
	return &Info{
		Username:    username,
		Proxy:       rec.Proxy,
		HasSession:  len(rec.Session) > 0,
		Expired:     len(rec.Session) > 0 && s.expired(rec),
		HasPassword: rec.Password != "",
		Timestamp:   rec.Timestamp,
	}, nil
}

// List returns all known usernames, sorted
func (s *Store) List(ctx context.Context) ([]string, error) {
	names, err := s.backend.List(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeStorage, "failed to list records", err)
	}
	sort.Strings(names)
	return names, nil
}

// ProxyLoad returns the number of users bound to each proxy
func (s *Store) ProxyLoad(ctx context.Context) (map[string]int, error) {
	return s.proxyLoad(ctx)
}

// Capacity returns the per-proxy user limit
func (s *Store) Capacity() int {
	return s.capacity
}

// Ping checks the backend is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close releases the backend
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) expired(rec *Record) bool {
	return s.now().Sub(rec.Timestamp) >= s.ttl
}

func (s *Store) lock(ctx context.Context, key string) (UnlockFunc, error) {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeStorage, "failed to lock "+key, err)
	}
	return unlock, nil
}

// load returns nil, nil when no record exists
func (s *Store) load(ctx context.Context, username string) (*Record, error) {
	rec, err := s.backend.Load(ctx, username)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeStorage, "failed to load record", err)
	}
	return rec, nil
}

func (s *Store) proxyLoad(ctx context.Context) (map[string]int, error) {
	load, err := s.backend.ProxyLoad(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeStorage, "failed to read proxy load", err)
	}
	return load, nil
}

// put writes rec. Moving the binding to a different proxy is checked
// against capacity under the assignment lock.
func (s *Store) put(ctx context.Context, existing, rec *Record) error {
	oldProxy := ""
	if existing != nil {
		oldProxy = existing.Proxy
	}

	if rec.Proxy != "" && rec.Proxy != oldProxy {
		unlock, err := s.lock(ctx, assignLockKey)
		if err != nil {
			return err
		}
		defer unlock()

		load, err := s.proxyLoad(ctx)
		if err != nil {
			return err
		}
		if load[rec.Proxy] >= s.capacity {
			return errs.New(errs.ErrorTypeNoAvailableProxy, "proxy is at capacity")
		}
	}

	if err := s.backend.Put(ctx, rec); err != nil {
		return errs.Wrap(errs.ErrorTypeStorage, "failed to write record", err)
	}
	return nil
}

func (s *Store) seal(state State) ([]byte, error) {
	if len(state) == 0 {
		return nil, nil
	}
	if s.sealer == nil {
		return append([]byte(nil), state...), nil
	}
	return s.sealer.Seal(state)
}

func (s *Store) open(data []byte) (State, error) {
	if s.sealer == nil || !auth.IsSealed(data) {
		return State(append([]byte(nil), data...)), nil
	}
	pt, err := s.sealer.Open(data)
	if err != nil {
		return nil, err
	}
	return State(pt), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
