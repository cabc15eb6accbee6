package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

// KeyPrefix starts every toolgate API key.
const KeyPrefix = "tgk_"

// keyLookupLen is how much of the key is stored in clear for lookup.
const keyLookupLen = 12

// Authenticator validates incoming requests and returns the caller's Principal.
type Authenticator interface {
	Authenticate(ctx context.Context) (*Principal, error)
}

// Principal is the authenticated caller. Sessions are scoped to its workspace.
type Principal struct {
	Workspace string
	KeyPrefix string // first characters of the key, safe to log
	Degraded  bool   // issued by fail-open after a backend error
}

// ErrUnauthenticated is returned when no valid credentials are found.
var ErrUnauthenticated = errors.New("unauthenticated")

// ExtractBearerToken extracts a tgk_ API key from gRPC metadata.
func ExtractBearerToken(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", ErrUnauthenticated
	}
	token := strings.TrimSpace(values[0])
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	if !strings.HasPrefix(token, KeyPrefix) || len(token) < keyLookupLen {
		return "", ErrUnauthenticated
	}
	return token, nil
}

// lookupPrefix returns the indexed, non-secret part of a key.
func lookupPrefix(token string) string {
	return token[:keyLookupLen]
}

// GenerateKey returns a new random API key.
func GenerateKey() string {
	return KeyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
