// Copyright 2025, adgate authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE.md file.

package signing

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTokenMalformed   = errors.New("signing: token malformed")
	ErrInvalidAlg       = errors.New("signing: algorithm not accepted")
	ErrInvalidSig       = errors.New("signing: invalid token signature")
	ErrTokenExpired     = errors.New("signing: token expired")
	ErrTokenNotActive   = errors.New("signing: token not yet active")
	ErrIssuerMismatch   = errors.New("signing: issuer mismatch")
	ErrAudienceMismatch = errors.New("signing: audience mismatch")
)

// clockSkew is tolerated on both exp and nbf.
const clockSkew = 30 * time.Second

// JWTClaims is the claim set the operator API cares about.
type JWTClaims struct {
	Iss   string `json:"iss,omitempty"`
	Sub   string `json:"sub,omitempty"`
	Aud   string `json:"aud,omitempty"`
	Exp   int64  `json:"exp,omitempty"`
	Nbf   int64  `json:"nbf,omitempty"`
	Iat   int64  `json:"iat,omitempty"`
	Scope string `json:"scope,omitempty"`
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid,omitempty"`
}

// JWTVerifier verifies bearer tokens. The accepted algorithm follows
// the configured key material: HS256 when Secret is set, RS256 when
// PublicKey is set. "none" is always rejected. Issuer and Audience are
// enforced when non-empty.
type JWTVerifier struct {
	Secret    []byte
	PublicKey *rsa.PublicKey
	Issuer    string
	Audience  string
}

// Verify checks the token signature first, then the claims.
func (v *JWTVerifier) Verify(token string, now time.Time) (*JWTClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrTokenMalformed
	}

	hJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var header jwtHeader
	if err := json.Unmarshal(hJSON, &header); err != nil {
		return nil, ErrTokenMalformed
	}

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidSig
	}
	payload := []byte(parts[0] + "." + parts[1])

	switch header.Alg {
	case "HS256":
		if len(v.Secret) == 0 {
			return nil, ErrInvalidAlg
		}
		mac := hmac.New(sha256.New, v.Secret)
		mac.Write(payload)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return nil, ErrInvalidSig
		}
	case "RS256":
		if v.PublicKey == nil {
			return nil, ErrInvalidAlg
		}
		digest := sha256.Sum256(payload)
		if err := rsa.VerifyPKCS1v15(v.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
			return nil, ErrInvalidSig
		}
	default:
		return nil, ErrInvalidAlg
	}

	cJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrTokenMalformed
	}
	var claims JWTClaims
	if err := json.Unmarshal(cJSON, &claims); err != nil {
		return nil, ErrTokenMalformed
	}

	if claims.Exp == 0 || now.After(time.Unix(claims.Exp, 0).Add(clockSkew)) {
		return nil, ErrTokenExpired
	}
	if claims.Nbf != 0 && now.Before(time.Unix(claims.Nbf, 0).Add(-clockSkew)) {
		return nil, ErrTokenNotActive
	}
	if v.Issuer != "" && claims.Iss != v.Issuer {
		return nil, ErrIssuerMismatch
	}
	if v.Audience != "" && claims.Aud != v.Audience {
		return nil, ErrAudienceMismatch
	}
	return &claims, nil
}

// GenerateHS256 builds an HS256 token. Used by the cue CLI and tests.
func GenerateHS256(secret []byte, claims JWTClaims) (string, error) {
	payload, err := encodeParts("HS256", claims)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return payload + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// GenerateRS256 builds an RS256 token.
func GenerateRS256(key *rsa.PrivateKey, claims JWTClaims) (string, error) {
	payload, err := encodeParts("RS256", claims)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(payload))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return payload + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func encodeParts(alg string, claims JWTClaims) (string, error) {
	hJSON, err := json.Marshal(jwtHeader{Alg: alg, Typ: "JWT"})
	if err != nil {
		return "", err
	}
	cJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(hJSON) + "." +
		base64.RawURLEncoding.EncodeToString(cJSON), nil
}

// ParseRSAPublicKeyPEM reads a PKIX public key or an X.509 certificate.
func ParseRSAPublicKeyPEM(b []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("signing: no PEM block found")
	}
	switch block.Type {
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("signing: certificate key is not RSA")
		}
		return pub, nil
	default:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("signing: key is not RSA")
		}
		return rsaPub, nil
	}
}
