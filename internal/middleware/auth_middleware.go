package middleware

import (
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/gatekeeper"
	"github.com/yourusername/linkbio-api/internal/metrics"
)

// Ключи контекста Gin
const (
	ContextSessionKey = "session"
	ContextUserIDKey  = "user_id"
)

// SessionResolver возвращает сессию запроса; nil означает анонима
type SessionResolver interface {
	Resolve(r *http.Request) (*entity.Session, error)
}

// AuthMiddleware применяет решения gatekeeper ко всем запросам
type AuthMiddleware struct {
	resolver SessionResolver
	rules    gatekeeper.Rules
	metrics  metrics.Recorder
}

// NewAuthMiddleware создает middleware
func NewAuthMiddleware(resolver SessionResolver, rules gatekeeper.Rules, recorder metrics.Recorder) *AuthMiddleware {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &AuthMiddleware{resolver: resolver, rules: rules, metrics: recorder}
}

// Gatekeeper разрешает сессию и применяет правила доступа до любой логики страницы или API.
// Ошибка разрешения сессии трактуется как аноним.
func (m *AuthMiddleware) Gatekeeper() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := m.resolver.Resolve(c.Request)
		if err != nil {
			log.Printf("[Gatekeeper] Ошибка разрешения сессии для %s, считаем анонимом: %v", c.Request.URL.Path, err)
			session = nil
		}
		if session != nil {
			c.Set(ContextSessionKey, session)
			c.Set(ContextUserIDKey, session.UserID)
		}

		decision := m.rules.Decide(gatekeeper.Request{
			Path:  c.Request.URL.Path,
			Query: c.Request.URL.Query(),
		}, session)
		m.metrics.RecordGatekeeperDecision(string(decision.Outcome))

		if decision.Allowed() {
			c.Next()
			return
		}

		if isAPIPath(c.Request.URL.Path) {
			status, body := apiRejection(decision.Outcome)
			c.AbortWithStatusJSON(status, body)
			return
		}

		target := decision.Target
		if decision.Outcome == gatekeeper.OutcomeLogin {
			target = withCallback(target, c.Request.URL.RequestURI())
		}
		c.Redirect(http.StatusFound, target)
		c.Abort()
	}
}

// RequireRole пропускает только сессии с одной из ролей. Ставится после Gatekeeper.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		session := SessionFrom(c)
		if session == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "error_type": "unauthorized"})
			return
		}
		if _, ok := allowed[session.Role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin rights required", "error_type": "forbidden"})
			return
		}
		c.Next()
	}
}

// RequireSameOrigin отклоняет изменяющие запросы с чужим заголовком Origin.
// Запросы без Origin (не из браузера) пропускаются: сессионная кука SameSite=Lax.
func RequireSameOrigin(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		if _, ok := allowed[origin]; !ok {
			log.Printf("[CSRF] Отклонен %s %s с Origin=%s", c.Request.Method, c.Request.URL.Path, origin)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Cross-origin request rejected", "error_type": "csrf_origin_mismatch"})
			return
		}
		c.Next()
	}
}

// SessionFrom возвращает сессию, сохраненную Gatekeeper
func SessionFrom(c *gin.Context) *entity.Session {
	v, ok := c.Get(ContextSessionKey)
	if !ok {
		return nil
	}
	session, _ := v.(*entity.Session)
	return session
}

func isAPIPath(p string) bool {
	return p == "/api" || strings.HasPrefix(p, "/api/") || p == "/ws"
}

func apiRejection(outcome gatekeeper.Outcome) (int, gin.H) {
	switch outcome {
	case gatekeeper.OutcomeLogin:
		return http.StatusUnauthorized, gin.H{"error": "Unauthorized", "error_type": "unauthorized"}
	case gatekeeper.OutcomeOnboarding:
		return http.StatusForbidden, gin.H{"error": "Choose a handle first", "error_type": "onboarding_required"}
	case gatekeeper.OutcomeBanned:
		return http.StatusForbidden, gin.H{"error": "Your account is suspended", "error_type": "banned"}
	}
	return http.StatusForbidden, gin.H{"error": "Forbidden", "error_type": "forbidden"}
}

// withCallback добавляет исходный адрес, чтобы после входа вернуться на него
func withCallback(target, requestURI string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(gatekeeper.CallbackParam, requestURI)
	u.RawQuery = q.Encode()
	return u.String()
}
