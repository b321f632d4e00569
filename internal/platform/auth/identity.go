package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Identity is a customer authenticated by a Firebase ID token.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Roles         []string

	token *firebaseauth.Token
}

// Token returns the verified Firebase token, nil for identities built in tests.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the role custom claim includes role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// ServiceIdentity is an operator or workload authenticated by a Google-signed
// OIDC token (service account identity token or IAP assertion).
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

// Actor is the value recorded as the operator on order history entries.
func (s *ServiceIdentity) Actor() string {
	if s == nil {
		return ""
	}
	if s.Email != "" {
		return s.Email
	}
	return s.Subject
}

type ctxKey int

const (
	identityKey ctxKey = iota
	serviceIdentityKey
)

// WithIdentity stores a customer identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext returns the customer identity set by RequireFirebaseAuth.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok && identity != nil
}

// WithServiceIdentity stores an operator identity on ctx.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	return context.WithValue(ctx, serviceIdentityKey, identity)
}

// ServiceIdentityFromContext returns the operator identity set by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// bearerToken extracts the credential from "Authorization: Bearer <token>".
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
