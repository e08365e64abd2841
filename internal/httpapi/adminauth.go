package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"go.uber.org/zap"

	"actionplane/pkg/config"
)

const adminJWKSTTL = 6 * time.Hour

// adminAuth guards the operator endpoints: OIDC bearer carrying the
// kernel_admin role, or an explicit dev bypass when no JWKS is configured.
type adminAuth struct {
	log      *zap.SugaredLogger
	issuer   string
	audience string
	jwksURL  string
	dev      bool

	mu      sync.Mutex
	set     jwk.Set
	expires time.Time
}

func newAdminAuth(cfg config.Config, log *zap.SugaredLogger) *adminAuth {
	a := &adminAuth{
		log:      log,
		issuer:   strings.TrimRight(cfg.AdminIssuer, "/"),
		audience: cfg.AdminAudience,
		jwksURL:  cfg.AdminJWKSURL,
		dev:      cfg.AdminDevAuth,
	}
	if a.jwksURL == "" && a.dev {
		log.Warnw("admin endpoints running with dev auth bypass")
	}
	return a
}

func (a *adminAuth) keys(ctx context.Context) (jwk.Set, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.set != nil && time.Now().Before(a.expires) {
		return a.set, nil
	}
	set, err := jwk.Fetch(ctx, a.jwksURL)
	if err != nil {
		return nil, err
	}
	a.set = set
	a.expires = time.Now().Add(adminJWKSTTL)
	return set, nil
}

func (a *adminAuth) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.jwksURL == "" {
			if a.dev {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "admin auth not configured", http.StatusServiceUnavailable)
			return
		}
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			http.Error(w, "missing bearer", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(authz[len("Bearer "):])
		set, err := a.keys(r.Context())
		if err != nil {
			a.log.Errorw("admin jwks fetch", "err", err)
			http.Error(w, "jwks fetch failed", http.StatusInternalServerError)
			return
		}
		jt, err := jwt.Parse([]byte(raw),
			jwt.WithKeySet(set),
			jwt.WithIssuer(a.issuer),
			jwt.WithAudience(a.audience),
			jwt.WithValidate(true),
		)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		role, _ := jt.Get("role")
		if rs, _ := role.(string); rs != "kernel_admin" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
