package session

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	errs "igsession/pkg/errors"
)

// ErrRecordNotFound is returned by a Backend when no record exists for a
// username.
var ErrRecordNotFound = errors.New("session record not found")

// State is the opaque session blob produced by the automation client.
// It is stored as-is and never interpreted.
type State []byte

// Record is the persisted unit, one per username.
type Record struct {
	Username  string    `json:"-"`
	Session   []byte    `json:"session"`
	Proxy     string    `json:"proxy"`
	Timestamp time.Time `json:"timestamp"`
	Password  string    `json:"password"`
}

// Clone returns a deep copy of r
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Session != nil {
		c.Session = append([]byte(nil), r.Session...)
	}
	return &c
}

// Backend persists records. Put must replace the record for a username
// atomically; ProxyLoad reports how many records are bound to each proxy.
type Backend interface {
	Load(ctx context.Context, username string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	ProxyLoad(ctx context.Context) (map[string]int, error)
	List(ctx context.Context) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._]{1,64}$`)

// NormalizeUsername returns the storage key for username. Account names are
// case-insensitive upstream, so one account maps to one key.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername rejects names that cannot be used as storage keys.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) || username == "." || username == ".." {
		return errs.New(errs.ErrorTypeInvalidInput, "invalid username")
	}
	return nil
}
