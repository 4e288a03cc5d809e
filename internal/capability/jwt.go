package capability

import (
	"crypto/ed25519"
	"encoding/base64"
	"time"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/golang-jwt/jwt/v5"
)

// capClaims carries the canonical token bytes inside a JWT so the token can
// travel where bearer strings are expected.
type capClaims struct {
	Capability string `json:"cap"`
	jwt.RegisteredClaims
}

// EncodeJWT wraps t in an EdDSA JWT signed by priv.
func EncodeJWT(t Token, priv ed25519.PrivateKey, kid string) (string, error) {
	b, err := t.Encode()
	if err != nil {
		return "", err
	}
	claims := capClaims{
		Capability: base64.RawURLEncoding.EncodeToString(b),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  t.Device.String(),
			Issuer:   t.Authority.String(),
			IssuedAt: jwt.NewNumericDate(time.Unix(int64(t.IssuedAt), 0)),
		},
	}
	if t.ExpiresAt != nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Unix(int64(*t.ExpiresAt), 0))
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	if err != nil {
		return "", auraerr.Wrap(auraerr.KindInvalid, "capability.encode_jwt", err)
	}
	return s, nil
}

// ParseJWT verifies the JWT with pub and returns the embedded token. The
// embedded token's own signature is checked as well.
func ParseJWT(s string, pub ed25519.PublicKey) (Token, error) {
	const op = "capability.parse_jwt"
	var claims capClaims
	_, err := jwt.ParseWithClaims(s, &claims, func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}))
	if err != nil {
		return Token{}, auraerr.Wrap(auraerr.KindAuthentication, op, err)
	}
	b, err := base64.RawURLEncoding.DecodeString(claims.Capability)
	if err != nil {
		return Token{}, auraerr.Wrap(auraerr.KindCorruption, op, err)
	}
	t, err := Decode(b)
	if err != nil {
		return Token{}, err
	}
	if err := t.Verify(0); err != nil {
		return Token{}, err
	}
	return t, nil
}
