package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/Ubiwhere/uw-api-keys/internal/keycodec"
	"github.com/Ubiwhere/uw-api-keys/internal/model"
	"github.com/Ubiwhere/uw-api-keys/internal/scope"
	"github.com/Ubiwhere/uw-api-keys/internal/store"
	"github.com/Ubiwhere/uw-api-keys/internal/usagelog"
)

var (
	// ErrInvalidKey is returned for every authentication failure: malformed
	// key, unknown identifier, wrong secret, revoked or expired key, and
	// store outages during lookup. Callers must not be able to distinguish
	// which one occurred.
	ErrInvalidKey = errors.New("invalid api key")

	// ErrInsufficientScope is returned when an authenticated key lacks the
	// requested operation on a resource type.
	ErrInsufficientScope = errors.New("insufficient scope")

	ErrInvalidCredentials = errors.New("invalid credentials")
)

const defaultLookupTimeout = 3 * time.Second

// Principal is the authenticated identity attached to a request after a raw
// key passes verification.
type Principal struct {
	KeyID      int64         `json:"key_id"`
	Identifier string        `json:"identifier"`
	Prefix     string        `json:"prefix"`
	Owner      string        `json:"owner"`
	Label      string        `json:"label"`
	Scopes     []model.Scope `json:"scopes"`
}

// AdminPrincipal identifies a management-API caller authenticated via JWT.
type AdminPrincipal struct {
	AdminID int64
	Email   string
}

// Meta carries request context into usage events.
type Meta struct {
	Endpoint  string
	RequestID string
}

// KeyStore is the slice of the persistence layer the auth service needs.
type KeyStore interface {
	GetAPIKeyByIdentifier(ctx context.Context, identifier string) (*model.APIKey, error)
	GetScopes(ctx context.Context, keyID int64) ([]model.Scope, error)
	CreateAPIKeyWithScopes(ctx context.Context, key *model.APIKey, grants map[string]model.OpSet) error
	TouchAPIKey(ctx context.Context, id int64) error
	GetAdminByEmail(ctx context.Context, email string) (*model.Admin, error)
	UpdateAdminLastLogin(ctx context.Context, id int64) error
}

type Options struct {
	// LookupTimeout bounds each store round-trip during authentication.
	// A lookup that exceeds it is treated as an invalid key.
	LookupTimeout time.Duration

	// DefaultKeyTTL, when non-zero, is applied to newly issued keys that do
	// not carry an explicit expiry.
	DefaultKeyTTL time.Duration

	JWTSecret string
	TokenTTL  time.Duration
}

type AuthService struct {
	store         KeyStore
	codec         *keycodec.Codec
	usage         *usagelog.Logger
	log           *slog.Logger
	lookupTimeout time.Duration
	defaultKeyTTL time.Duration
	jwtSecret     []byte
	tokenTTL      time.Duration
}

func NewAuthService(st KeyStore, codec *keycodec.Codec, usage *usagelog.Logger, log *slog.Logger, opts Options) *AuthService {
	if log == nil {
		log = slog.Default()
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &AuthService{
		store:         st,
		codec:         codec,
		usage:         usage,
		log:           log,
		lookupTimeout: opts.LookupTimeout,
		defaultKeyTTL: opts.DefaultKeyTTL,
		jwtSecret:     []byte(opts.JWTSecret),
		tokenTTL:      opts.TokenTTL,
	}
}

// Authenticate verifies a raw key string and returns the principal it maps
// to. Every failure collapses to ErrInvalidKey; the underlying reason goes to
// the usage log and the structured log only.
func (s *AuthService) Authenticate(ctx context.Context, rawKey string, meta Meta) (*Principal, error) {
	parsed, ok := keycodec.Parse(rawKey)
	if !ok {
		s.recordDenied(nil, "", meta, model.OutcomeInvalidKey, model.ReasonInvalidFormat)
		return nil, ErrInvalidKey
	}

	lctx, cancel := context.WithTimeout(ctx, s.lookupTimeout)
	defer cancel()

	key, err := s.store.GetAPIKeyByIdentifier(lctx, parsed.Identifier)
	if err != nil {
		reason := model.ReasonUnknownKey
		if !errors.Is(err, store.ErrNotFound) {
			reason = model.ReasonStoreUnavailable
			s.log.Warn("key lookup failed", "identifier", parsed.Identifier, "error", err)
		}
		s.recordDenied(nil, parsed.Identifier, meta, model.OutcomeInvalidKey, reason)
		return nil, ErrInvalidKey
	}

	if !keycodec.VerifySecret(parsed.Secret, key.SecretHash) {
		s.recordDenied(&key.ID, key.Identifier, meta, model.OutcomeInvalidKey, model.ReasonBadSecret)
		return nil, ErrInvalidKey
	}
	if !key.IsActive {
		s.recordDenied(&key.ID, key.Identifier, meta, model.OutcomeInvalidKey, model.ReasonInactive)
		return nil, ErrInvalidKey
	}
	if key.Expired(time.Now()) {
		s.recordDenied(&key.ID, key.Identifier, meta, model.OutcomeInvalidKey, model.ReasonExpired)
		return nil, ErrInvalidKey
	}

	scopes, err := s.store.GetScopes(lctx, key.ID)
	if err != nil {
		s.log.Warn("scope lookup failed", "identifier", key.Identifier, "error", err)
		s.recordDenied(&key.ID, key.Identifier, meta, model.OutcomeInvalidKey, model.ReasonStoreUnavailable)
		return nil, ErrInvalidKey
	}

	// Update last used timestamp (fire and forget)
	go s.store.TouchAPIKey(context.Background(), key.ID)

	return &Principal{
		KeyID:      key.ID,
		Identifier: key.Identifier,
		Prefix:     key.Prefix,
		Owner:      key.Owner,
		Label:      key.Label,
		Scopes:     scopes,
	}, nil
}

// Authorize checks whether an authenticated principal may perform op on
// resourceType, recording the decision as a usage event either way.
func (s *AuthService) Authorize(ctx context.Context, p *Principal, resourceType string, op model.Operation, meta Meta) error {
	decision := scope.Check(p.Scopes, resourceType, op)

	ev := &model.UsageEvent{
		KeyID:         &p.KeyID,
		KeyIdentifier: p.Identifier,
		ResourceType:  resourceType,
		Operation:     string(op),
		Endpoint:      meta.Endpoint,
		RequestID:     meta.RequestID,
	}
	if decision == scope.Allow {
		ev.Outcome = model.OutcomeAllowed
		s.usage.Record(ev)
		return nil
	}
	ev.Outcome = model.OutcomeDenied
	ev.Reason = model.ReasonNoScope
	s.usage.Record(ev)
	return ErrInsufficientScope
}

// IssueKey generates a fresh key for owner, stores its hash along with any
// initial scope grants, and returns the record plus the plaintext. Key and
// grants land atomically. The plaintext is shown exactly once and is not
// recoverable afterwards.
func (s *AuthService) IssueKey(ctx context.Context, owner, label string, expiresAt *time.Time, grants map[string]model.OpSet) (*model.APIKey, string, error) {
	gen, err := s.codec.Generate()
	if err != nil {
		return nil, "", err
	}

	if expiresAt == nil && s.defaultKeyTTL > 0 {
		t := time.Now().Add(s.defaultKeyTTL)
		expiresAt = &t
	}

	key := &model.APIKey{
		Identifier: gen.Identifier,
		Prefix:     s.codec.Prefix(),
		SecretHash: gen.SecretHash,
		Owner:      owner,
		Label:      label,
		IsActive:   true,
		ExpiresAt:  expiresAt,
	}
	if err := s.store.CreateAPIKeyWithScopes(ctx, key, grants); err != nil {
		return nil, "", err
	}
	return key, gen.Plaintext, nil
}

// RecordAuthenticated logs a successful authentication that has no
// follow-up authorization check, so introspection-style calls still leave a
// usage event. Decision endpoints record through Authorize instead.
func (s *AuthService) RecordAuthenticated(p *Principal, meta Meta) {
	s.usage.Record(&model.UsageEvent{
		KeyID:         &p.KeyID,
		KeyIdentifier: p.Identifier,
		Outcome:       model.OutcomeAllowed,
		Endpoint:      meta.Endpoint,
		RequestID:     meta.RequestID,
	})
}

// Login verifies admin credentials and issues a signed JWT.
func (s *AuthService) Login(ctx context.Context, email, password string) (*model.Admin, string, error) {
	admin, err := s.store.GetAdminByEmail(ctx, email)
	if err != nil {
		// Burn comparable time so missing accounts are not distinguishable
		// from wrong passwords.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}
	if !admin.IsActive {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.IssueJWT(ctx, admin.ID, admin.Email, s.tokenTTL)
	if err != nil {
		return nil, "", err
	}

	go s.store.UpdateAdminLastLogin(context.Background(), admin.ID)

	return admin, token, nil
}

// ValidateJWT verifies a bearer token and returns the admin identity.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*AdminPrincipal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !token.Valid {
		return nil, ErrInvalidCredentials
	}

	return &AdminPrincipal{
		AdminID: claims.AdminID,
		Email:   claims.Email,
	}, nil
}

// IssueJWT creates a new signed token for the given admin.
func (s *AuthService) IssueJWT(ctx context.Context, adminID int64, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		AdminID: adminID,
		Email:   email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "uwkeys",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	AdminID int64  `json:"admin_id"`
	Email   string `json:"email"`
	jwt.RegisteredClaims
}

func (s *AuthService) recordDenied(keyID *int64, identifier string, meta Meta, outcome model.Outcome, reason string) {
	s.usage.Record(&model.UsageEvent{
		KeyID:         keyID,
		KeyIdentifier: identifier,
		Outcome:       outcome,
		Reason:        reason,
		Endpoint:      meta.Endpoint,
		RequestID:     meta.RequestID,
	})
}
