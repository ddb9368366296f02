package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourusername/linkbio-api/internal/config"
	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/gatekeeper"
	"github.com/yourusername/linkbio-api/internal/handler"
	"github.com/yourusername/linkbio-api/internal/metrics"
	"github.com/yourusername/linkbio-api/internal/middleware"
	pgRepo "github.com/yourusername/linkbio-api/internal/repository/postgres"
	redisRepo "github.com/yourusername/linkbio-api/internal/repository/redis"
	"github.com/yourusername/linkbio-api/internal/service"
	ws "github.com/yourusername/linkbio-api/internal/websocket"
	"github.com/yourusername/linkbio-api/pkg/auth"
	"github.com/yourusername/linkbio-api/pkg/database"
)

func main() {
	// Загружаем конфигурацию
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	log.Printf("Загрузка конфигурации из %s", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		os.Exit(1)
	}
	isProduction := gin.Mode() == gin.ReleaseMode

	// Инициализируем подключение к PostgreSQL
	db, err := database.NewPostgresDB(cfg.Database.PostgresConnectionString(), !isProduction)
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		os.Exit(1)
	}

	// Применяем миграции
	if err := database.MigrateDB(db, os.Getenv("MIGRATIONS_DIR")); err != nil {
		log.Printf("Failed to migrate database: %v", err)
		os.Exit(1)
	}

	// Инициализируем подключение к Redis
	redisClient, err := database.NewUniversalRedisClient(cfg.Redis)
	if err != nil {
		log.Printf("Failed to connect to Redis: %v", err)
		os.Exit(1)
	}
	log.Println("Successfully connected to Redis")

	// Инициализируем репозитории
	userRepo := pgRepo.NewUserRepo(db)
	accountRepo := pgRepo.NewAccountRepo(db)
	linkingTokenRepo := pgRepo.NewLinkingTokenRepo(db)
	invalidTokenRepo := pgRepo.NewInvalidTokenRepo(db)

	cacheRepo, err := redisRepo.NewCacheRepo(redisClient)
	if err != nil {
		log.Printf("Failed to initialize CacheRepo: %v", err)
		os.Exit(1)
	}

	// Контекст жизни приложения: по его отмене завершаются фоновые горутины
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- PubSub: инвалидации сессий и события пользователей между инстансами ---
	var pubSubProvider ws.PubSubProvider = &ws.NoOpPubSub{}
	if cfg.WebSocket.Cluster.Enabled {
		log.Println("Инициализация Redis PubSub для межинстансной доставки...")
		redisPubSubClient, errPubSub := database.NewUniversalRedisClient(cfg.Redis)
		if errPubSub != nil {
			log.Printf("Ошибка при инициализации Redis клиента для PubSub: %v. Кластерный режим будет неактивен.", errPubSub)
		} else {
			redisProvider, errProv := ws.NewRedisPubSub(redisPubSubClient)
			if errProv != nil {
				log.Printf("Ошибка при создании Redis PubSub провайдера: %v. Кластерный режим будет неактивен.", errProv)
				redisPubSubClient.Close()
			} else {
				log.Println("Redis PubSub провайдер успешно инициализирован")
				pubSubProvider = redisProvider
			}
		}
	}

	// --- Сессии ---
	signingKey, err := auth.DeriveKey(cfg.Session.Secret, auth.PurposeSessionJWT, 32)
	if err != nil {
		log.Printf("Failed to derive session key: %v", err)
		os.Exit(1)
	}
	jwtService, err := auth.NewJWTService(
		signingKey,
		cfg.Session.Lifetime(),
		time.Duration(cfg.Session.InvalidationRetention)*time.Hour,
		pubSubProvider,
		cfg.WebSocket.Cluster.InvalidationChannel,
		ctx,
	)
	if err != nil {
		log.Printf("Failed to initialize JWTService: %v", err)
		os.Exit(1)
	}
	if err := jwtService.AttachStore(ctx, invalidTokenRepo); err != nil {
		log.Printf("Failed to load session invalidations: %v", err)
		os.Exit(1)
	}

	cookies := auth.NewCookieManager(cfg.Session.CookieName, cfg.Session.SecureCookie)
	resolver := service.NewSessionResolver(
		jwtService, cookies, userRepo, accountRepo, cacheRepo,
		cfg.Session.BanCheckMode, cfg.Session.StateCacheTTL(),
	)

	stateStore, err := handler.NewStateStore(cfg.Session.Secret, cfg.Session.SecureCookie)
	if err != nil {
		log.Printf("Failed to initialize OAuth state store: %v", err)
		os.Exit(1)
	}

	// --- WebSocket ---
	hub := ws.NewHub(cfg.WebSocket, pubSubProvider)
	go hub.Run(ctx)

	// --- Метрики ---
	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Metrics.Enabled {
		recorder = metrics.NewCollector(prometheus.DefaultRegisterer)
	}

	// --- Уведомления ---
	var mailer service.EmailService = &service.NoopEmailService{}
	if cfg.Email.ResendAPIKey != "" {
		resendMailer, errMail := service.NewResendEmailService(cfg.Email.ResendAPIKey, cfg.Email.From)
		if errMail != nil {
			log.Printf("Ошибка инициализации Resend: %v. Письма отправляться не будут.", errMail)
		} else {
			mailer = resendMailer
		}
	}

	// Инициализируем сервисы
	providers := service.NewOAuthProviders(cfg.OAuth, cfg.Server.PublicURL)
	if len(providers.Names()) == 0 {
		log.Println("Предупреждение: ни один OAuth провайдер не настроен, вход невозможен")
	}
	tokenStore := service.NewTokenStore(linkingTokenRepo, cfg.Linking.TokenTTL())
	linkingService := service.NewLinkingService(
		accountRepo, tokenStore, providers, resolver, hub, mailer, recorder, "/settings/accounts",
	)
	accountService := service.NewAccountService(accountRepo)
	onboardingService := service.NewOnboardingService(userRepo, resolver)
	adminService := service.NewAdminService(accountRepo, resolver, jwtService, hub)

	// Периодическая очистка истекших токенов привязки
	go func() {
		interval := cfg.Linking.CleanupInterval
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Printf("Запуск очистки истекших токенов привязки (каждые %v)", interval)
		for {
			select {
			case <-ticker.C:
				if _, err := linkingService.PurgeExpiredTokens(ctx); err != nil {
					log.Printf("Ошибка при очистке токенов привязки: %v", err)
				}
			case <-ctx.Done():
				log.Println("Завершение работы горутины очистки токенов")
				return
			}
		}
	}()

	// Инициализируем обработчики
	linkHandler := handler.NewLinkHandler(linkingService)
	oauthHandler := handler.NewOAuthHandler(
		providers, accountService, linkingService, resolver, stateStore,
		cfg.Gatekeeper.LandingPath, cfg.Gatekeeper.LoginPath,
	)
	settingsHandler := handler.NewSettingsHandler(linkingService, providers, cfg.Linking.Quiescence())
	onboardingHandler := handler.NewOnboardingHandler(onboardingService, resolver, cfg.Gatekeeper.LandingPath)
	adminHandler := handler.NewAdminHandler(adminService)
	wsHandler := handler.NewWSHandler(hub, cfg.Server.AllowedOrigins)
	pagesHandler := handler.NewPagesHandler(providers, handler.PagePaths{
		Landing:       cfg.Gatekeeper.LandingPath,
		SignOut:       cfg.Gatekeeper.SignOutPath,
		Settings:      "/settings/accounts",
		OnboardingAPI: "/api/onboarding",
	})

	// Инициализируем middleware
	authMiddleware := middleware.NewAuthMiddleware(resolver, gatekeeper.RulesFromConfig(cfg.Gatekeeper), recorder)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	router := gin.Default()

	// В production не доверяем прокси-заголовкам; за балансировщиком добавьте его IP
	trustedProxies := []string{"127.0.0.1", "::1"}
	if isProduction {
		trustedProxies = nil
	}
	if err := router.SetTrustedProxies(trustedProxies); err != nil {
		log.Printf("Warning: failed to set trusted proxies: %v", err)
	}

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition", "X-Total-Rows"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	// Gatekeeper стоит перед всеми маршрутами
	router.Use(authMiddleware.Gatekeeper())
	router.Use(middleware.RequireSameOrigin(cfg.Server.AllowedOrigins))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ws_clients": hub.ClientCount()})
	})
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(metrics.Handler(prometheus.DefaultGatherer)))
	}

	// Рукопожатия с провайдерами
	authGroup := router.Group("/auth")
	authGroup.Use(rateLimiter.LimitByIP(middleware.AuthLegRateLimitConfig()))
	{
		authGroup.GET("/signin/:provider", oauthHandler.SignIn)
		authGroup.GET("/callback/:provider", oauthHandler.Callback)
		authGroup.GET("/link/:provider", oauthHandler.LinkHandshake)
		authGroup.GET("/signout", oauthHandler.SignOut)
		authGroup.POST("/signout", oauthHandler.SignOut)
	}

	// Страницы, на которые ведут редиректы gatekeeper
	router.GET(cfg.Gatekeeper.LoginPath, pagesHandler.Login)
	router.GET(cfg.Gatekeeper.OnboardingPath, pagesHandler.Onboarding)
	router.GET(cfg.Gatekeeper.BannedPath, pagesHandler.Banned)
	router.GET(cfg.Gatekeeper.LandingPath, pagesHandler.Landing)

	router.GET("/settings/accounts", settingsHandler.AccountsPage)
	router.GET("/ws", wsHandler.HandleConnection)

	api := router.Group("/api")
	{
		api.GET("/linked-accounts", linkHandler.GetLinkedAccounts)
		api.POST("/onboarding", onboardingHandler.SetHandle)

		linkLimited := api.Group("")
		linkLimited.Use(rateLimiter.Limit(middleware.LinkRateLimitConfig()))
		{
			linkLimited.POST("/link/start", linkHandler.StartLink)
			linkLimited.POST("/process-link", linkHandler.ProcessLink)
			linkLimited.DELETE("/unlink-account", linkHandler.UnlinkAccount)
		}

		admin := api.Group("/admin")
		admin.Use(middleware.RequireRole(entity.RoleAdmin, entity.RoleSuperAdmin))
		{
			adminUsers := admin.Group("/users/:id")
			adminUsers.Use(handler.TargetUserParam())
			{
				adminUsers.PUT("/ban", adminHandler.SetBan)
				adminUsers.PUT("/role", adminHandler.SetRole)
			}
			admin.GET("/accounts/export", adminHandler.ExportAccounts)
		}
	}

	// Настраиваем HTTP сервер с тайм-аутами для защиты от slow client attacks
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		log.Printf("Starting server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Отправляем сигнал завершения для всех горутин
	cancel()

	if err := pubSubProvider.Close(); err != nil {
		log.Printf("Error closing PubSub provider: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
		os.Exit(1)
	}
	if err := redisClient.Close(); err != nil {
		log.Printf("Error closing Redis client: %v", err)
	}

	log.Println("Server exited properly")
}
