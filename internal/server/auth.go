package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"runline/internal/logger"
	"runline/internal/metrics"
	"runline/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowActorHeader trusts X-Actor-Id without credentials. Local
	// development only.
	AllowActorHeader bool
	Logger           *slog.Logger
}

// Principal is the authenticated caller of an API request.
type Principal struct {
	ActorID     string
	Roles       []string
	Permissions []string
	Source      string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

var (
	errNoCredentials  = errors.New("no credentials")
	errBadCredentials = errors.New("invalid credentials")
)

// authenticator inspects one kind of credential. It returns
// errNoCredentials when the request does not carry that kind, so the
// next authenticator gets a turn.
type authenticator struct {
	source string
	auth   func(req *http.Request) (Principal, error)
}

type rbacClaims struct {
	jwt.RegisteredClaims
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

func bearerAuthenticator(secret string) authenticator {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	return authenticator{source: "jwt", auth: func(req *http.Request) (Principal, error) {
		authz := strings.TrimSpace(req.Header.Get("Authorization"))
		if authz == "" {
			return Principal{}, errNoCredentials
		}
		scheme, token, ok := strings.Cut(authz, " ")
		token = strings.TrimSpace(token)
		if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
			return Principal{}, errBadCredentials
		}
		if strings.TrimSpace(secret) == "" {
			return Principal{}, errors.New("jwt secret not configured")
		}
		claims := &rbacClaims{}
		if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		}); err != nil {
			return Principal{}, err
		}
		if claims.Subject == "" {
			return Principal{}, errors.New("subject claim required")
		}
		return Principal{ActorID: claims.Subject, Roles: claims.Roles, Permissions: claims.Permissions, Source: "jwt"}, nil
	}}
}

func apiKeyAuthenticator(r repo.Repo, log *slog.Logger) authenticator {
	return authenticator{source: "api_key", auth: func(req *http.Request) (Principal, error) {
		secret := strings.TrimSpace(req.Header.Get("X-Api-Key"))
		if secret == "" {
			return Principal{}, errNoCredentials
		}
		key, err := r.ActiveAPIKey(req.Context(), repo.HashAPIKey(secret))
		if err != nil {
			return Principal{}, err
		}
		if err := r.TouchAPIKey(req.Context(), key.ID, time.Now().UTC().Format(time.RFC3339)); err != nil {
			log.Warn("api key touch failed", "key_id", key.ID, "err", err)
		}
		return Principal{ActorID: key.ActorID, Source: "api_key"}, nil
	}}
}

func actorHeaderAuthenticator(log *slog.Logger) authenticator {
	return authenticator{source: "actor_header", auth: func(req *http.Request) (Principal, error) {
		actor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
		if actor == "" {
			return Principal{}, errNoCredentials
		}
		log.Warn("trusting unauthenticated X-Actor-Id header", "actor_id", actor, "path", req.URL.Path)
		return Principal{ActorID: actor, Source: "actor_header"}, nil
	}}
}

// newAuthMiddleware guards every route under basePath except health and
// the OpenAPI document. The
// first authenticator that finds credentials decides the request.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	log := logger.Or(cfg.Logger)
	public := map[string]bool{
		path.Join(basePath, "health"): true,
		specPath(basePath):            true,
	}
	chain := []authenticator{bearerAuthenticator(cfg.JWTSecret), apiKeyAuthenticator(r, log)}
	if cfg.AllowActorHeader {
		chain = append(chain, actorHeaderAuthenticator(log))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if (basePath != "" && !strings.HasPrefix(req.URL.Path, basePath)) || public[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			for _, a := range chain {
				p, err := a.auth(req)
				if errors.Is(err, errNoCredentials) {
					continue
				}
				if err != nil {
					metrics.AuthFailures.WithLabelValues(a.source, "invalid").Inc()
					log.Debug("request rejected", "source", a.source, "path", req.URL.Path, "err", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), p)))
				return
			}
			metrics.AuthFailures.WithLabelValues("none", "missing").Inc()
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
