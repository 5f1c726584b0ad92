// Package auth resolves HTTP requests to tenant identities. Three
// mechanisms are accepted, strongest first: a Bearer JWT minted by
// this service, a per-client credential header, and a static shared
// secret for single-tenant deployments.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"outreach-coordinator/internal/models"
)

// Header names carried by authenticated requests.
const (
	HeaderCredential = "X-Client-Credential"
	HeaderShared     = "X-Auth-Token"
	HeaderAccount    = "X-Account"
)

// Authentication methods, recorded on the identity for logging.
const (
	MethodToken      = "token"
	MethodCredential = "credential"
	MethodShared     = "shared"
)

// DefaultClientID is the tenant assumed for shared-secret callers.
const DefaultClientID = "default"

// ClientSource is the slice of the store the authenticator needs.
type ClientSource interface {
	GetClient(ctx context.Context, id string) (models.Client, error)
	FindClientByCredential(ctx context.Context, credential string) (models.Client, error)
}

// Identity is the authenticated caller of one request.
type Identity struct {
	ClientID string
	Scopes   []string
	Method   string
}

// HasScope reports whether the identity carries the named scope.
func (id Identity) HasScope(scope string) bool {
	return slices.Contains(id.Scopes, scope)
}

// Authenticator implements the credential ladder.
type Authenticator struct {
	clients      ClientSource
	tokens       *TokenIssuer
	sharedSecret string
}

func New(clients ClientSource, tokens *TokenIssuer, sharedSecret string) *Authenticator {
	return &Authenticator{clients: clients, tokens: tokens, sharedSecret: sharedSecret}
}

// Authenticate resolves the request to an identity or ErrUnauthorized.
// The ladder is ordered: a present Bearer token is authoritative and a
// bad one fails the request even if a weaker header would have passed.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if raw, ok := bearerToken(r); ok {
		claims, err := a.tokens.Verify(raw)
		if err != nil {
			return Identity{}, models.ErrUnauthorized
		}
		// Tokens outlive suspensions, so re-check the client row.
		client, err := a.clients.GetClient(ctx, claims.ClientID)
		if err != nil {
			return Identity{}, models.ErrUnauthorized
		}
		if client.Status == models.ClientSuspended {
			return Identity{}, fmt.Errorf("client suspended: %w", models.ErrUnauthorized)
		}
		if client.Status != models.ClientActive {
			return Identity{}, models.ErrUnauthorized
		}
		return Identity{ClientID: claims.ClientID, Scopes: claims.Scopes, Method: MethodToken}, nil
	}

	if credential := r.Header.Get(HeaderCredential); credential != "" {
		client, err := a.clients.FindClientByCredential(ctx, credential)
		if err != nil {
			return Identity{}, models.ErrUnauthorized
		}
		return Identity{ClientID: client.ID, Scopes: models.AllScopes(), Method: MethodCredential}, nil
	}

	if a.sharedSecret != "" && r.Header.Get(HeaderShared) == a.sharedSecret {
		return Identity{ClientID: DefaultClientID, Scopes: models.AllScopes(), Method: MethodShared}, nil
	}

	return Identity{}, models.ErrUnauthorized
}

// RequireScope returns ErrScope when the identity lacks the scope.
func RequireScope(id Identity, scope string) error {
	if !id.HasScope(scope) {
		return models.ErrScope
	}
	return nil
}

// Login verifies a client's raw credential and mints an access token.
// Unknown ids and wrong credentials return bare ErrUnauthorized;
// suspension is only named to callers holding the correct credential.
func (a *Authenticator) Login(ctx context.Context, clientID, credential string) (string, time.Time, []string, error) {
	if clientID == "" || credential == "" {
		return "", time.Time{}, nil, models.ErrUnauthorized
	}
	client, err := a.clients.GetClient(ctx, clientID)
	if err != nil {
		return "", time.Time{}, nil, models.ErrUnauthorized
	}
	if bcrypt.CompareHashAndPassword([]byte(client.CredentialHash), []byte(credential)) != nil {
		return "", time.Time{}, nil, models.ErrUnauthorized
	}
	if client.Status == models.ClientSuspended {
		return "", time.Time{}, nil, fmt.Errorf("client suspended: %w", models.ErrUnauthorized)
	}
	if client.Status != models.ClientActive {
		return "", time.Time{}, nil, models.ErrUnauthorized
	}
	scopes := models.AllScopes()
	token, expires, err := a.tokens.Mint(clientID, scopes)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	return token, expires, scopes, nil
}

// HashCredential derives the stored bcrypt hash for a raw credential.
func HashCredential(credential string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
