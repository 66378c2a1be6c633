package auth

import (
	"context"

	"github.com/pkg/errors"
)

var ErrInvalidToken = errors.New("invalid auth token")

// Verifier turns a bearer token into a user id. Production deployments sit
// this in front of their identity provider; everything behind it only ever
// sees the uid.
type Verifier interface {
	Verify(ctx context.Context, token string) (uid string, err error)
}

// StaticVerifier maps fixed tokens to uids. Test use.
type StaticVerifier map[string]string

func (v StaticVerifier) Verify(ctx context.Context, token string) (string, error) {
	uid, ok := v[token]
	if !ok {
		return "", errors.WithStack(ErrInvalidToken)
	}
	return uid, nil
}

// InsecureVerifier treats the token itself as the uid. Local development
// only; it performs no verification whatsoever.
type InsecureVerifier struct{}

func (InsecureVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.WithStack(ErrInvalidToken)
	}
	return token, nil
}
