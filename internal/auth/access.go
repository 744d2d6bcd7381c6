// Package auth decides which inbound invocations an agent accepts and
// issues session tokens through the Authorize handshake.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/msageha/hostagent/internal/clock"
	"github.com/msageha/hostagent/internal/schema"
)

// ErrDenied is returned when an Authorize request fails verification.
var ErrDenied = errors.New("authorization denied")

const (
	DefaultSessionCapacity = 256
	DefaultSessionTTL      = time.Hour
)

// Credentials are the shared secret that signs invocations and the path
// that accepts Authorize requests.
type Credentials struct {
	Secret        string
	AuthorizePath string
}

// DeriveCredentials turns an admin secret into its sha256 hex digest. The
// first half of the digest is the signing secret and the second half names
// the authorize path. An empty admin secret yields empty credentials.
func DeriveCredentials(adminSecret string) (digest string, c Credentials) {
	if adminSecret == "" {
		return "", Credentials{}
	}
	sum := sha256.Sum256([]byte(adminSecret))
	digest = hex.EncodeToString(sum[:])
	return digest, CredentialsFromDigest(digest)
}

// CredentialsFromDigest splits a stored admin secret digest.
func CredentialsFromDigest(digest string) Credentials {
	if digest == "" {
		return Credentials{}
	}
	half := len(digest) / 2
	if half == 0 {
		return Credentials{Secret: digest, AuthorizePath: schema.DefaultAuthorizePath}
	}
	return Credentials{Secret: digest[:half], AuthorizePath: "/" + digest[half:]}
}

// AccessControl verifies inbound invocations against the agent's secret.
// When no secret is set every invocation is accepted.
type AccessControl struct {
	registry    *schema.Registry
	clock       clock.Clock
	ttl         time.Duration
	defaultPath string
	newToken    func() string

	mu       sync.RWMutex
	creds    Credentials
	sessions *lru.Cache[string, time.Time]
}

// Options configures an AccessControl. Zero values select defaults.
type Options struct {
	Capacity    int
	TTL         time.Duration
	DefaultPath string
	Clock       clock.Clock
	NewToken    func() string
}

func New(registry *schema.Registry, opts Options) (*AccessControl, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultSessionCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultSessionTTL
	}
	if opts.DefaultPath == "" {
		opts.DefaultPath = schema.DefaultAuthorizePath
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NewToken == nil {
		opts.NewToken = randomToken
	}
	sessions, err := lru.New[string, time.Time](opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	return &AccessControl{
		registry:    registry,
		clock:       opts.Clock,
		ttl:         opts.TTL,
		defaultPath: opts.DefaultPath,
		newToken:    opts.NewToken,
		sessions:    sessions,
	}, nil
}

// SetCredentials replaces the secret and drops every issued session.
func (a *AccessControl) SetCredentials(c Credentials) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = c
	a.sessions.Purge()
}

// AuthorizePath returns the path Authorize requests are served on.
func (a *AccessControl) AuthorizePath() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.creds.AuthorizePath == "" {
		return a.defaultPath
	}
	return a.creds.AuthorizePath
}

// Enabled reports whether a secret is configured.
func (a *AccessControl) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.creds.Secret != ""
}

// IsAuthorized reports whether inv may run. It requires a live session
// token and an authorization hash matching the secret and that token.
func (a *AccessControl) IsAuthorized(inv *schema.Invocation) bool {
	a.mu.RLock()
	secret := a.creds.Secret
	a.mu.RUnlock()
	if secret == "" {
		return true
	}
	token := inv.Prefix.AuthorizationToken
	if token == "" {
		return false
	}
	issued, ok := a.sessions.Get(token)
	if !ok {
		return false
	}
	if a.clock.Now().Sub(issued) > a.ttl {
		a.sessions.Remove(token)
		return false
	}
	return a.registry.VerifyAuthorization(inv, secret)
}

// Authorize verifies an Authorize invocation signed with the secret alone
// and returns an AuthorizeResult carrying a fresh session token.
func (a *AccessControl) Authorize(inv *schema.Invocation) (*schema.Invocation, error) {
	if inv.Command != schema.AuthorizeID {
		return nil, fmt.Errorf("%w: unexpected command %s", ErrDenied, inv.CommandName)
	}
	a.mu.RLock()
	secret := a.creds.Secret
	a.mu.RUnlock()
	if secret != "" {
		if inv.Prefix.AuthorizationToken != "" || !a.registry.VerifyAuthorization(inv, secret) {
			return nil, ErrDenied
		}
	}
	token := a.newToken()
	a.sessions.Add(token, a.clock.Now())
	return a.registry.BuildCommand(schema.Prefix{}, "AuthorizeResult", map[string]any{"token": token})
}

// SessionCount returns the number of cached session tokens.
func (a *AccessControl) SessionCount() int {
	return a.sessions.Len()
}

// IsAuthorizePath reports whether path is the current authorize path.
func (a *AccessControl) IsAuthorizePath(path string) bool {
	return strings.TrimSuffix(path, "/") == strings.TrimSuffix(a.AuthorizePath(), "/")
}

func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return hex.EncodeToString(b)
}
