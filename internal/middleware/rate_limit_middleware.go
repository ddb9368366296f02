package middleware

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// RateLimitConfig описывает одно фиксированное окно
type RateLimitConfig struct {
	MaxRequests int
	Window      time.Duration
	KeyPrefix   string
	// ByUser: считать по пользователю сессии, аноним считается по IP
	ByUser bool
}

// AuthLegRateLimitConfig - лимит на старт и callback рукопожатий с провайдерами
func AuthLegRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 30,
		Window:      time.Minute,
		KeyPrefix:   "rl:auth",
	}
}

// LinkRateLimitConfig - строгий лимит на выдачу и погашение токенов привязки
func LinkRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxRequests: 10,
		Window:      time.Minute,
		KeyPrefix:   "rl:link",
		ByUser:      true,
	}
}

// Счетчик и TTL окна меняются одной командой, иначе ключ без TTL мог бы остаться навсегда
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RateLimiter ограничивает частоту запросов через счетчики в Redis.
// Недоступный Redis не блокирует запросы.
type RateLimiter struct {
	redisClient redis.UniversalClient
}

// NewRateLimiter создает RateLimiter
func NewRateLimiter(redisClient redis.UniversalClient) *RateLimiter {
	return &RateLimiter{redisClient: redisClient}
}

// Limit считает запросы субъекта (пользователь или IP) отдельно для каждого шаблона маршрута
func (rl *RateLimiter) Limit(cfg RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		rl.enforce(c, cfg.KeyPrefix+":"+limitSubject(c, cfg)+":"+route, cfg)
	}
}

// LimitByIP считает все запросы группы маршрутов по IP
func (rl *RateLimiter) LimitByIP(cfg RateLimitConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		rl.enforce(c, cfg.KeyPrefix+":"+c.ClientIP(), cfg)
	}
}

func limitSubject(c *gin.Context, cfg RateLimitConfig) string {
	if cfg.ByUser {
		if userID := c.GetUint(ContextUserIDKey); userID != 0 {
			return fmt.Sprintf("u%d", userID)
		}
	}
	return c.ClientIP()
}

// window возвращает номер запроса в окне и время до его сброса
func (rl *RateLimiter) window(ctx context.Context, key string, size time.Duration) (int64, time.Duration, error) {
	res, err := fixedWindowScript.Run(ctx, rl.redisClient, []string{key}, size.Milliseconds()).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("unexpected script reply of %d elements", len(res))
	}
	count, okCount := res[0].(int64)
	ttlMs, okTTL := res[1].(int64)
	if !okCount || !okTTL {
		return 0, 0, fmt.Errorf("unexpected script reply types %T, %T", res[0], res[1])
	}
	return count, time.Duration(ttlMs) * time.Millisecond, nil
}

func (rl *RateLimiter) enforce(c *gin.Context, key string, cfg RateLimitConfig) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	count, reset, err := rl.window(ctx, key, cfg.Window)
	if err != nil {
		log.Printf("[RateLimiter] Redis недоступен для ключа %s, запрос пропущен: %v", key, err)
		c.Next()
		return
	}

	resetSec := int((reset + time.Second - 1) / time.Second)
	remaining := int64(cfg.MaxRequests) - count
	if remaining < 0 {
		remaining = 0
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.MaxRequests))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	c.Header("X-RateLimit-Reset", strconv.Itoa(resetSec))

	if count <= int64(cfg.MaxRequests) {
		c.Next()
		return
	}

	log.Printf("[RateLimiter] Превышен лимит: key=%s count=%d limit=%d", key, count, cfg.MaxRequests)
	c.Header("Retry-After", strconv.Itoa(resetSec))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "Too many requests. Please try again later.",
		"error_type":  "rate_limited",
		"retry_after": resetSec,
	})
}
