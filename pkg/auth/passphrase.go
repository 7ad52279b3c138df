package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "igsession"
	keyringUser    = "session-seal"

	// PassphraseEnv names the environment variable consulted first
	PassphraseEnv = "IGSESSION_PASSPHRASE"
)

// ErrNoPassphrase means a source has nothing to offer and the next one
// should be tried.
var ErrNoPassphrase = errors.New("no passphrase available")

// PassphraseSource yields the passphrase used to seal sessions at rest
type PassphraseSource interface {
	Passphrase() (string, error)
	Name() string
}

// EnvSource reads the passphrase from an environment variable
type EnvSource struct {
	Var string
}

func (e EnvSource) Name() string { return "env" }

func (e EnvSource) Passphrase() (string, error) {
	name := e.Var
	if name == "" {
		name = PassphraseEnv
	}
	if pass := os.Getenv(name); pass != "" {
		return pass, nil
	}
	return "", ErrNoPassphrase
}

// KeyringSource keeps the passphrase in the OS keychain, generating one on
// first use.
type KeyringSource struct{}

func (KeyringSource) Name() string { return "keyring" }

func (KeyringSource) Passphrase() (string, error) {
	pass, err := keyring.Get(keyringService, keyringUser)
	if err == nil && pass != "" {
		return pass, nil
	}
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: keyring unavailable: %v", ErrNoPassphrase, err)
	}

	pass, err = generatePassphrase()
	if err != nil {
		return "", err
	}
	if err := keyring.Set(keyringService, keyringUser, pass); err != nil {
		return "", fmt.Errorf("%w: failed to store in keyring: %v", ErrNoPassphrase, err)
	}
	return pass, nil
}

// FileSource keeps the passphrase in a 0600 file, generating one on first use.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return "file" }

func (f FileSource) Passphrase() (string, error) {
	if content, err := os.ReadFile(f.Path); err == nil {
		if pass := strings.TrimSpace(string(content)); pass != "" {
			return pass, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(f.Path), 0700); err != nil {
		return "", fmt.Errorf("failed to create passphrase directory: %w", err)
	}
	pass, err := generatePassphrase()
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(f.Path, []byte(pass), 0600); err != nil {
		return "", fmt.Errorf("failed to save passphrase: %w", err)
	}
	return pass, nil
}

// ResolvePassphrase returns the first passphrase offered by sources, in order.
func ResolvePassphrase(sources ...PassphraseSource) (string, string, error) {
	for _, src := range sources {
		pass, err := src.Passphrase()
		if err == nil {
			return pass, src.Name(), nil
		}
		if !errors.Is(err, ErrNoPassphrase) {
			return "", src.Name(), err
		}
	}
	return "", "", ErrNoPassphrase
}

// DefaultPassphraseFile returns the default location of the generated
// passphrase file.
func DefaultPassphraseFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(dir, "igsession", ".passphrase"), nil
}

func generatePassphrase() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("failed to generate passphrase: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
