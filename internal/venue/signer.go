package venue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Credentials are the static API key/secret/passphrase triplet the venue
// issues out of band. Unlike an on-chain wallet, there is nothing to derive:
// these are configured directly (see config.VenueConfig).
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// Signer produces the headers required by every authenticated request:
// an HMAC-SHA256 signature over timestamp+method+path[+body], signed with
// the venue secret.
type Signer struct {
	creds Credentials
}

// NewSigner builds a Signer from venue credentials.
func NewSigner(creds Credentials) *Signer {
	return &Signer{creds: creds}
}

// Headers returns the auth headers for a request. path must include the
// leading slash and any query string; body is the raw request body, empty
// for GETs and form/query-only requests.
func (s *Signer) Headers(timestamp, method, path, body string) (map[string]string, error) {
	sig, err := s.sign(timestamp, method, path, body)
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"ACCESS-KEY":        s.creds.APIKey,
		"ACCESS-SIGN":       sig,
		"ACCESS-TIMESTAMP":  timestamp,
		"ACCESS-PASSPHRASE": s.creds.Passphrase,
	}, nil
}

// sign computes the HMAC-SHA256 signature: message = timestamp + method +
// path [+ body], signed with the base64-decoded secret, encoded back to
// base64. Mirrors the venue's documented request-signing scheme.
func (s *Signer) sign(timestamp, method, path, body string) (string, error) {
	secretBytes, err := base64.StdEncoding.DecodeString(s.creds.Secret)
	if err != nil {
		// Some venues issue a plain (non-base64) secret; fall back to using
		// it verbatim rather than failing every request.
		secretBytes = []byte(s.creds.Secret)
	}

	message := timestamp + method + path + body

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
