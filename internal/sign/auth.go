// Copyright 2024, the stitchd authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package sign

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAuth: missing or invalid viewer token → HTTP 401.
var ErrAuth = errors.New("sign: viewer authentication failed")

// Verifier checks viewer JWTs. HS256 is verified against the shared secret,
// RS256 against the configured public key; a channel requiring auth rejects
// requests that fail both.
type Verifier struct {
	hsSecret []byte
	rsKey    *rsa.PublicKey
}

// NewVerifier builds a verifier. hsSecret may be empty to disable HS256;
// rsPublicKeyPEM may be empty to disable RS256.
func NewVerifier(hsSecret, rsPublicKeyPEM string) (*Verifier, error) {
	v := &Verifier{}
	if hsSecret != "" {
		v.hsSecret = []byte(hsSecret)
	}
	if rsPublicKeyPEM != "" {
		block, _ := pem.Decode([]byte(rsPublicKeyPEM))
		if block == nil {
			return nil, fmt.Errorf("sign: bad RS256 public key PEM")
		}
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("sign: parse RS256 public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("sign: RS256 key is not RSA")
		}
		v.rsKey = rsaPub
	}
	return v, nil
}

// Verify parses and validates the token, returning its claims.
func (v *Verifier) Verify(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case jwt.SigningMethodHS256.Alg():
			if v.hsSecret == nil {
				return nil, fmt.Errorf("HS256 not configured")
			}
			return v.hsSecret, nil
		case jwt.SigningMethodRS256.Alg():
			if v.rsKey == nil {
				return nil, fmt.Errorf("RS256 not configured")
			}
			return v.rsKey, nil
		default:
			return nil, fmt.Errorf("alg %s not accepted", t.Method.Alg())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrAuth, err)
	}
	return claims, nil
}
