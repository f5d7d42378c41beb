package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
	"golang.org/x/crypto/bcrypt"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
)

const apiKeyHeader = "X-API-Key"

type identityKeyType struct{}

var identityKey identityKeyType

func IdentityFromContext(ctx context.Context) (*core.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*core.Identity)
	return id, ok && id != nil
}

func newIdentityContext(ctx context.Context, id *core.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Authenticator resolves API keys to identities. The stored prefix narrows
// the lookup to one record; the full key is then checked against its hash.
type Authenticator struct {
	identities core.IdentityStore
	now        func() time.Time
	logger     logging.Logger
}

func NewAuthenticator(identities core.IdentityStore, logger logging.Logger) *Authenticator {
	return &Authenticator{
		identities: identities,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

func (a *Authenticator) Authenticate(ctx context.Context, key string) (*core.Identity, error) {
	if len(key) <= core.APIKeyPrefixLen {
		return nil, fmt.Errorf("%w: malformed api key", core.ErrUnauthenticated)
	}
	id, err := a.identities.GetIdentityByPrefix(ctx, key[:core.APIKeyPrefixLen])
	if errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown api key", core.ErrUnauthenticated)
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(id.KeyHash), []byte(key)); err != nil {
		return nil, fmt.Errorf("%w: invalid api key", core.ErrUnauthenticated)
	}
	if !id.Usable(a.now()) {
		return nil, fmt.Errorf("%w: api key is inactive or expired", core.ErrUnauthenticated)
	}
	return id, nil
}

// Middleware rejects requests without a usable API key and stores the
// caller's identity in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFromRequest(r)
		if key == "" {
			_ = render.Render(w, r, NewErrorResponse(http.StatusUnauthorized,
				fmt.Errorf("%w: no api key provided", core.ErrUnauthenticated)))
			return
		}
		id, err := a.Authenticate(r.Context(), key)
		if err != nil {
			code := statusFor(err)
			if code == http.StatusInternalServerError {
				a.logger.Error("Failed to authenticate request", "path", r.URL.Path, "error", err)
			} else {
				a.logger.Debug("Rejected api key", "path", r.URL.Path, "error", err)
			}
			_ = render.Render(w, r, NewErrorResponse(code, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(newIdentityContext(r.Context(), id)))
	})
}

// apiKeyFromRequest reads a bearer token, falling back to the X-API-Key
// header.
func apiKeyFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(apiKeyHeader))
}

// HashAPIKey returns the lookup prefix and bcrypt hash stored for key.
func HashAPIKey(key string, cost int) (string, string, error) {
	if len(key) <= core.APIKeyPrefixLen {
		return "", "", fmt.Errorf("api key must be longer than %d characters", core.APIKeyPrefixLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), cost)
	if err != nil {
		return "", "", fmt.Errorf("hashing api key: %w", err)
	}
	return key[:core.APIKeyPrefixLen], string(hash), nil
}
