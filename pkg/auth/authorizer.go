package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Credentials carries whatever the caller presented on the request.
type Credentials struct {
	Username    string
	Password    string
	BearerToken string
}

// Principal identifies an authorized caller.
type Principal struct {
	Subject string
}

// Authorizer decides whether a request may proceed.
type Authorizer interface {
	Authorize(ctx context.Context, creds Credentials) (Principal, error)
}

// AllowAll accepts every request. It is the default authorizer.
type AllowAll struct{}

func (AllowAll) Authorize(_ context.Context, creds Credentials) (Principal, error) {
	subject := creds.Username
	if subject == "" {
		subject = "anonymous"
	}
	return Principal{Subject: subject}, nil
}

// StaticUsers checks HTTP Basic credentials against bcrypt hashes keyed by username.
type StaticUsers struct {
	hashes map[string]string
}

// NewStaticUsers copies the username to bcrypt hash map.
func NewStaticUsers(hashes map[string]string) (*StaticUsers, error) {
	if len(hashes) == 0 {
		return nil, errors.New("static users: at least one user required")
	}
	copied := make(map[string]string, len(hashes))
	for user, hash := range hashes {
		user = strings.TrimSpace(user)
		if user == "" || strings.TrimSpace(hash) == "" {
			return nil, errors.New("static users: empty username or hash")
		}
		copied[user] = hash
	}
	return &StaticUsers{hashes: copied}, nil
}

func (s *StaticUsers) Authorize(_ context.Context, creds Credentials) (Principal, error) {
	if creds.Username == "" {
		return Principal{}, ErrUnauthenticated
	}
	hash, ok := s.hashes[creds.Username]
	if !ok || !CheckPassword(creds.Password, hash) {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{Subject: creds.Username}, nil
}

// CredentialsFromRequest extracts Basic or Bearer credentials.
func CredentialsFromRequest(r *http.Request) Credentials {
	var creds Credentials
	if user, pass, ok := r.BasicAuth(); ok {
		creds.Username = user
		creds.Password = pass
		return creds
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		creds.BearerToken = strings.TrimSpace(header[7:])
	}
	return creds
}

type principalKey struct{}

// ContextWithPrincipal stores p on ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by the auth middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
