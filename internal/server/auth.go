package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"storyline/internal/logging"
	"storyline/internal/repo"
)

// AuthConfig enables authentication when JWTSecret is set. Without a secret
// every request is served as the anonymous local principal.
type AuthConfig struct {
	JWTSecret string
	Logger    *logging.Logger
}

func (c AuthConfig) enabled() bool {
	return strings.TrimSpace(c.JWTSecret) != ""
}

type Principal struct {
	ActorID string
	Source  string
}

var anonymous = Principal{ActorID: "local-user", Source: "anonymous"}

var (
	errNoCredentials = errors.New("authentication required")
	errMalformedAuth = errors.New("malformed authorization header")
)

type principalKey struct{}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ActorID != ""
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", errNoCredentials.Error(), nil)
}

// authenticator resolves a Principal from a bearer token or an X-Api-Key.
// Bearer wins when both are sent.
type authenticator struct {
	secret []byte
	keys   repo.Repo
	log    *logging.Logger
	parser *jwt.Parser
}

func newAuthenticator(cfg AuthConfig, keys repo.Repo) *authenticator {
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &authenticator{
		secret: []byte(strings.TrimSpace(cfg.JWTSecret)),
		keys:   keys,
		log:    log,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

func (a *authenticator) authenticate(req *http.Request) (Principal, error) {
	if authz := strings.TrimSpace(req.Header.Get("Authorization")); authz != "" {
		scheme, token, ok := strings.Cut(authz, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
			return Principal{}, errMalformedAuth
		}
		return a.fromToken(strings.TrimSpace(token))
	}
	if key := strings.TrimSpace(req.Header.Get("X-Api-Key")); key != "" {
		return a.fromAPIKey(req.Context(), key)
	}
	return Principal{}, errNoCredentials
}

func (a *authenticator) fromToken(token string) (Principal, error) {
	var claims jwt.RegisteredClaims
	if _, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Source: "jwt"}, nil
}

// fromAPIKey only ever compares hashes; plaintext keys are not stored.
func (a *authenticator) fromAPIKey(ctx context.Context, key string) (Principal, error) {
	stored, err := a.keys.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if stored.ActorID == "" {
		return Principal{}, errors.New("api key has no actor")
	}
	return Principal{ActorID: stored.ActorID, Source: "api_key"}, nil
}

// newAuthMiddleware guards everything under basePath except health and the
// OpenAPI document.
func newAuthMiddleware(basePath string, cfg AuthConfig, keys repo.Repo) func(http.Handler) http.Handler {
	public := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
	}
	auth := newAuthenticator(cfg, keys)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			p := anonymous
			if cfg.enabled() {
				var err error
				if p, err = auth.authenticate(req); err != nil {
					respondStatusError(w, auth.reject(req, err))
					return
				}
			}
			next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), principalKey{}, p)))
		})
	}
}

func (a *authenticator) reject(req *http.Request, err error) huma.StatusError {
	if errors.Is(err, errNoCredentials) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	a.log.Warn(req.Context(), "rejected credentials", zap.Error(err), zap.String("path", req.URL.Path))
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
