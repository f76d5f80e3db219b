package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/projectsavahq/project-ava-sub000/internal/config"
)

var ErrUnauthorized = errors.New("unauthorized")

// Credentials are whatever the client presented: a bearer token from the
// upgrade request or the connect message, and the claimed user id.
type Credentials struct {
	Token  string
	UserID string
}

type Identity struct {
	UserID string
}

type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (Identity, error)
}

func New(cfg config.Config) (Authenticator, error) {
	switch cfg.AuthMode {
	case "jwt":
		return NewJWTAuthenticator(cfg.AuthJWTSecret, cfg.AuthJWTIssuer), nil
	case "static":
		return ParseStaticTokens(cfg.AuthStaticTokens)
	case "none":
		return DevAuthenticator{}, nil
	default:
		return nil, fmt.Errorf("unknown AUTH_MODE %q", cfg.AuthMode)
	}
}

// JWTAuthenticator accepts HS256 tokens whose subject is the user id.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, creds Credentials) (Identity, error) {
	if creds.Token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(creds.Token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	if creds.UserID != "" && creds.UserID != claims.Subject {
		return Identity{}, fmt.Errorf("%w: user mismatch", ErrUnauthorized)
	}
	return Identity{UserID: claims.Subject}, nil
}

// StaticAuthenticator maps fixed tokens to users.
type StaticAuthenticator struct {
	users map[string]string
}

// ParseStaticTokens reads "token:user,token:user".
func ParseStaticTokens(spec string) (*StaticAuthenticator, error) {
	users := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid static token entry %q", pair)
		}
		users[token] = user
	}
	if len(users) == 0 {
		return nil, errors.New("no static tokens configured")
	}
	return &StaticAuthenticator{users: users}, nil
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, creds Credentials) (Identity, error) {
	user, ok := a.users[creds.Token]
	if !ok {
		return Identity{}, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	if creds.UserID != "" && creds.UserID != user {
		return Identity{}, fmt.Errorf("%w: user mismatch", ErrUnauthorized)
	}
	return Identity{UserID: user}, nil
}

// DevAuthenticator trusts the claimed user id. Local development only.
type DevAuthenticator struct{}

func (DevAuthenticator) Authenticate(_ context.Context, creds Credentials) (Identity, error) {
	user := strings.TrimSpace(creds.UserID)
	if user == "" {
		return Identity{}, fmt.Errorf("%w: userId required", ErrUnauthorized)
	}
	return Identity{UserID: user}, nil
}
