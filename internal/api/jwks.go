package api

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"net/http"

	"github.com/gin-gonic/gin"
)

type jwk struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	X   string `json:"x"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// KeyID is the short kid admin capability JWTs carry: base64url of the
// first 8 bytes of SHA-256 over the public key.
func KeyID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

// jwksFor publishes pub as an OKP/Ed25519 key set.
func jwksFor(pub ed25519.PublicKey) jwks {
	return jwks{Keys: []jwk{{
		Kty: "OKP",
		Crv: "Ed25519",
		Alg: "EdDSA",
		Use: "sig",
		Kid: KeyID(pub),
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}}}
}

func (h *handlers) jwks(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=300")
	c.JSON(http.StatusOK, jwksFor(h.a.Signer.PublicKey()))
}
