// Package tokens verifies the capability tokens that gate session setup and
// collaboration. Tokens are EdDSA-signed JWTs whose issuer is a did:key; the
// signing key is recovered from the issuer DID itself, and the capability
// grant rides in the attenuation claim.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Capability names.
const (
	CapCreate      = "collaboration/CREATE"
	CapCollaborate = "collaboration/COLLABORATE"
)

// Resource schemes and well-known resources.
const (
	SchemeStorage         = "storage"
	ResourceCollaboration = "collaboration"
)

var (
	// ErrInvalidToken covers parse, signature, audience and expiry failures.
	ErrInvalidToken = errors.New("invalid capability token")
	// ErrUnknownOwner is returned when the registry cannot name an owner for
	// the contract/collaborator pair. Indistinguishable from forgery.
	ErrUnknownOwner = errors.New("unknown owner for contract")
)

// Resource names what a capability applies to.
type Resource struct {
	Scheme   string `json:"scheme"`
	Resource string `json:"resource"`
}

// Capability is a single grant carried in a token's attenuation list.
type Capability struct {
	With Resource `json:"with"`
	Can  string   `json:"can"`
}

type capabilityClaims struct {
	jwt.RegisteredClaims
	Attenuations []Capability `json:"att"`
}

// OwnerResolver resolves the registered owner DID for a contract and
// collaborator address. Implemented by the on-chain registry client.
type OwnerResolver interface {
	ResolveOwnerDid(ctx context.Context, contractAddress, collaboratorAddress string) (string, error)
}

// Verifier checks owner and collaboration capability tokens against the
// server's DID. Safe for concurrent use; both methods are side-effect-free.
type Verifier struct {
	serverDid string
	resolver  OwnerResolver
}

// NewVerifier creates a verifier bound to the server's process-wide DID.
func NewVerifier(serverDid string, resolver OwnerResolver) *Verifier {
	return &Verifier{serverDid: serverDid, resolver: resolver}
}

// VerifyOwnerToken checks a session-setup token. The expected issuer is the
// owner DID registered on chain for (contractAddress, collaboratorAddress);
// the token must grant collaboration/CREATE on the lowercased contract
// address under the storage scheme. Returns the resolved owner DID.
func (v *Verifier) VerifyOwnerToken(ctx context.Context, token, contractAddress, collaboratorAddress string) (string, error) {
	ownerDid, err := v.resolver.ResolveOwnerDid(ctx, contractAddress, collaboratorAddress)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnknownOwner, err)
	}
	if ownerDid == "" {
		return "", ErrUnknownOwner
	}

	claims, err := v.parse(token, ownerDid)
	if err != nil {
		return "", err
	}

	want := Capability{
		With: Resource{Scheme: SchemeStorage, Resource: strings.ToLower(contractAddress)},
		Can:  CapCreate,
	}
	if !hasCapability(claims.Attenuations, want) {
		return "", fmt.Errorf("%w: missing %s grant", ErrInvalidToken, CapCreate)
	}
	return ownerDid, nil
}

// VerifyCollaborationToken checks a join token rooted at the session's
// ephemeral DID.
func (v *Verifier) VerifyCollaborationToken(_ context.Context, token, sessionDid string) error {
	claims, err := v.parse(token, sessionDid)
	if err != nil {
		return err
	}

	want := Capability{
		With: Resource{Scheme: SchemeStorage, Resource: ResourceCollaboration},
		Can:  CapCollaborate,
	}
	if !hasCapability(claims.Attenuations, want) {
		return fmt.Errorf("%w: missing %s grant", ErrInvalidToken, CapCollaborate)
	}
	return nil
}

// parse validates signature, audience and expiry, and pins the issuer to
// rootIssuer. The signing key comes from the issuer did:key, so a forged
// issuer cannot produce a valid signature.
func (v *Verifier) parse(token, rootIssuer string) (*capabilityClaims, error) {
	claims := &capabilityClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		iss, err := t.Claims.GetIssuer()
		if err != nil {
			return nil, fmt.Errorf("token has no issuer: %w", err)
		}
		return DecodeEd25519Did(iss)
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithAudience(v.serverDid),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Issuer != rootIssuer {
		return nil, fmt.Errorf("%w: issuer %q is not %q", ErrInvalidToken, claims.Issuer, rootIssuer)
	}
	return claims, nil
}

func hasCapability(granted []Capability, want Capability) bool {
	for _, c := range granted {
		if c.Can == want.Can &&
			strings.EqualFold(c.With.Scheme, want.With.Scheme) &&
			strings.EqualFold(c.With.Resource, want.With.Resource) {
			return true
		}
	}
	return false
}
