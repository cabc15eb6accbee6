package auth

import (
	"context"
)

// StaticAuthenticator is a development-only authenticator. Keys listed in
// Keys map to their workspace; with an empty map any tgk_ key is accepted
// and given a workspace derived from its prefix.
type StaticAuthenticator struct {
	keys map[string]string
}

func NewStaticAuthenticator(keys map[string]string) *StaticAuthenticator {
	return &StaticAuthenticator{keys: keys}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context) (*Principal, error) {
	token, err := ExtractBearerToken(ctx)
	if err != nil {
		return nil, err
	}
	prefix := lookupPrefix(token)

	if len(a.keys) == 0 {
		return &Principal{Workspace: "static-" + prefix[len(KeyPrefix):], KeyPrefix: prefix}, nil
	}
	ws, ok := a.keys[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &Principal{Workspace: ws, KeyPrefix: prefix}, nil
}
