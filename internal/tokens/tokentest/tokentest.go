// Package tokentest mints capability tokens for tests.
package tokentest

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fileverse/collab-relay/internal/tokens"
)

// Identity is a test DID with its signing key.
type Identity struct {
	Did  string
	Priv ed25519.PrivateKey
}

// NewIdentity generates a fresh ed25519 did:key identity.
func NewIdentity(t *testing.T) Identity {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return Identity{Did: tokens.EncodeEd25519Did(pub), Priv: priv}
}

// MintOptions tweak the minted token.
type MintOptions struct {
	ExpiresIn time.Duration
	Issuer    string // overrides the identity DID when set
}

type testClaims struct {
	jwt.RegisteredClaims
	Attenuations []tokens.Capability `json:"att"`
}

// Mint signs a capability token from the identity to the audience DID.
func Mint(t *testing.T, id Identity, audience string, caps []tokens.Capability, opts MintOptions) string {
	t.Helper()

	expiresIn := opts.ExpiresIn
	if expiresIn == 0 {
		expiresIn = time.Hour
	}
	issuer := opts.Issuer
	if issuer == "" {
		issuer = id.Did
	}

	claims := testClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Attenuations: caps,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(id.Priv)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// OwnerCaps returns the grant an owner setup token carries for a contract.
func OwnerCaps(contractAddress string) []tokens.Capability {
	return []tokens.Capability{{
		With: tokens.Resource{Scheme: tokens.SchemeStorage, Resource: contractAddress},
		Can:  tokens.CapCreate,
	}}
}

// CollabCaps returns the grant a collaboration token carries.
func CollabCaps() []tokens.Capability {
	return []tokens.Capability{{
		With: tokens.Resource{Scheme: tokens.SchemeStorage, Resource: tokens.ResourceCollaboration},
		Can:  tokens.CapCollaborate,
	}}
}
