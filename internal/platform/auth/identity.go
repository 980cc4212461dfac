package auth

import (
	"context"
	"slices"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Roles recognised on operator routes. Admins act on every merchant; staff only on the merchant
// named by their merchant claim.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the verified operator behind an admin request.
type Identity struct {
	UID   string
	Email string
	// Roles are lower-cased and de-duplicated.
	Roles []string
	// MerchantID is empty for platform staff.
	MerchantID string

	token *firebaseauth.Token
}

func identityFromToken(token *firebaseauth.Token, roleClaim, merchantClaim string) *Identity {
	return &Identity{
		UID:        token.UID,
		Email:      claimAsString(token.Claims, "email"),
		Roles:      rolesFromClaims(token.Claims, roleClaim),
		MerchantID: claimAsString(token.Claims, merchantClaim),
		token:      token,
	}
}

// Token returns the decoded Firebase ID token.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether role was granted, ignoring case.
func (i *Identity) HasRole(role string) bool {
	role = normaliseRole(role)
	if i == nil || role == "" {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(r string) bool { return strings.EqualFold(r, role) })
}

// Unrestricted reports whether the identity may act on every merchant's orders.
func (i *Identity) Unrestricted() bool {
	return i.HasRole(RoleAdmin)
}

type identityContextKey struct{}

// WithIdentity attaches identity to ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext returns the identity stored by RequireStaff.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}
