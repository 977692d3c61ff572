// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package conn

// Authenticator drives the challenge/response exchange a server may demand
// after STARTUP. Implementations must be safe for concurrent use: every
// connection of every pool runs the exchange independently.
type Authenticator interface {
	// InitialResponse produces the first token for the announced
	// authenticator class.
	InitialResponse(class string) ([]byte, error)
	// EvaluateChallenge answers a server challenge.
	EvaluateChallenge(token []byte) ([]byte, error)
	// Success receives the server's final token.
	Success(token []byte) error
}

// PasswordAuthenticator implements the plain-text SASL exchange used by
// the standard password authenticator.
type PasswordAuthenticator struct {
	Username string
	Password string
}

func (a *PasswordAuthenticator) InitialResponse(string) ([]byte, error) {
	token := make([]byte, 0, len(a.Username)+len(a.Password)+2)
	token = append(token, 0)
	token = append(token, a.Username...)
	token = append(token, 0)
	token = append(token, a.Password...)
	return token, nil
}

func (a *PasswordAuthenticator) EvaluateChallenge(token []byte) ([]byte, error) {
	return nil, nil
}

func (a *PasswordAuthenticator) Success([]byte) error { return nil }
