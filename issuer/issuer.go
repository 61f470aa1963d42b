package issuer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

var (
	ErrTokenMissing  = errors.New("csrf token missing")
	ErrTokenMismatch = errors.New("csrf token mismatch")
	ErrTokenInvalid  = errors.New("invalid csrf token")
)

// Config controls token lifetime and naming.
type Config struct {
	SigningKey []byte
	Issuer     string
	TTL        time.Duration
	// RotateWithin is the remaining lifetime at or below which refresh rotates the token.
	RotateWithin time.Duration
	Leeway       time.Duration

	FetchPath   string
	RefreshPath string
	HeaderName  string
	CookieName  string
	BodyField   string
	CookiePath  string
	Secure      bool
}

// SubjectFunc reports the authenticated caller of r.
type SubjectFunc func(r *http.Request) (subject string, ok bool)

// BearerSubject treats the bearer credential itself as the subject. Development use only.
func BearerSubject(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// Stats counts issuer decisions.
type Stats struct {
	Issued   uint64
	Rotated  uint64
	Kept     uint64
	Rejected uint64
}

// Issuer signs and verifies CSRF tokens.
type Issuer struct {
	cfg     Config
	subject SubjectFunc
	clock   clock.PassiveClock
	log     *zap.Logger

	issued   atomic.Uint64
	rotated  atomic.Uint64
	kept     atomic.Uint64
	rejected atomic.Uint64
}

type Option func(*Issuer)

func WithClock(c clock.PassiveClock) Option {
	return func(i *Issuer) {
		if c != nil {
			i.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(i *Issuer) {
		if l != nil {
			i.log = l
		}
	}
}

// New validates cfg, fills defaults, and returns an Issuer.
func New(cfg Config, subject SubjectFunc, opts ...Option) (*Issuer, error) {
	if len(cfg.SigningKey) < 32 {
		return nil, errors.New("signing key must be at least 32 bytes")
	}
	if subject == nil {
		return nil, errors.New("subject func required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = time.Hour
	}
	if cfg.TTL < 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if cfg.RotateWithin == 0 {
		cfg.RotateWithin = 10 * time.Minute
	}
	if cfg.RotateWithin < 0 || cfg.RotateWithin > cfg.TTL {
		return nil, errors.New("RotateWithin must be within [0, TTL]")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "csrfkit"
	}
	if cfg.FetchPath == "" {
		cfg.FetchPath = "/api/auth/csrf-token"
	}
	if cfg.RefreshPath == "" {
		cfg.RefreshPath = "/api/auth/csrf-token/refresh"
	}
	if cfg.HeaderName == "" {
		cfg.HeaderName = "x-csrf-token"
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "__csrf_token"
	}
	if cfg.BodyField == "" {
		cfg.BodyField = "_csrf"
	}
	if cfg.CookiePath == "" {
		cfg.CookiePath = "/"
	}

	i := &Issuer{
		cfg:     cfg,
		subject: subject,
		clock:   clock.RealClock{},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue signs a token for subject.
func (i *Issuer) Issue(subject string) (string, time.Time, error) {
	now := i.clock.Now()
	expiresAt := now.Add(i.cfg.TTL)
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		Issuer:    i.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign csrf token: %w", err)
	}
	i.issued.Add(1)
	// Expiry is reported at the NumericDate precision the token carries.
	return signed, claims.ExpiresAt.Time, nil
}

// Verify checks the signature, issuer, expiry, and that the token belongs to subject.
func (i *Issuer) Verify(token, subject string) (*jwt.RegisteredClaims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithSubject(subject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock.Now),
	}
	if i.cfg.Leeway > 0 {
		options = append(options, jwt.WithLeeway(i.cfg.Leeway))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.NewParser(options...).ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return i.cfg.SigningKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !parsed.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// Stats returns the decision counters.
func (i *Issuer) Stats() Stats {
	return Stats{
		Issued:   i.issued.Load(),
		Rotated:  i.rotated.Load(),
		Kept:     i.kept.Load(),
		Rejected: i.rejected.Load(),
	}
}

// Config returns the effective configuration with defaults applied.
func (i *Issuer) Config() Config {
	return i.cfg
}
