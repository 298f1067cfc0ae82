// Package smtp is the inbound transport: a small ESMTP server that turns
// each accepted message into one pipeline invocation.
package smtp

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	// ErrBadCredentials is returned for a well-formed but wrong login.
	ErrBadCredentials = errors.New("authentication failed")
	// ErrMalformedAuth is returned when the SASL response cannot be decoded.
	ErrMalformedAuth = errors.New("malformed AUTH response")
)

// Authenticator checks SMTP AUTH credentials against a single configured
// account.
type Authenticator struct {
	username []byte
	password []byte
}

// NewAuthenticator returns an Authenticator. With an empty username or
// password authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{username: []byte(username), password: []byte(password)}
}

// Enabled reports whether clients must authenticate.
func (a *Authenticator) Enabled() bool {
	return len(a.username) > 0 && len(a.password) > 0
}

// VerifyPlain checks a base64 AUTH PLAIN response ("authzid\0user\0pass").
// The authorization identity is ignored.
func (a *Authenticator) VerifyPlain(encoded string) error {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return ErrMalformedAuth
	}
	parts := strings.SplitN(string(decoded), "\x00", 3)
	if len(parts) != 3 {
		return ErrMalformedAuth
	}
	return a.check([]byte(parts[1]), []byte(parts[2]))
}

// VerifyLogin checks the two base64 responses of an AUTH LOGIN exchange.
func (a *Authenticator) VerifyLogin(encodedUser, encodedPass string) error {
	user, err := base64.StdEncoding.DecodeString(encodedUser)
	if err != nil {
		return ErrMalformedAuth
	}
	pass, err := base64.StdEncoding.DecodeString(encodedPass)
	if err != nil {
		return ErrMalformedAuth
	}
	return a.check(user, pass)
}

func (a *Authenticator) check(user, pass []byte) error {
	userOK := subtle.ConstantTimeCompare(user, a.username)
	passOK := subtle.ConstantTimeCompare(pass, a.password)
	if userOK&passOK != 1 {
		return ErrBadCredentials
	}
	return nil
}
