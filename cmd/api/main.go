package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/songanizer/backend/internal/config"
	"github.com/songanizer/backend/internal/handlers"
	"github.com/songanizer/backend/internal/middleware"
	"github.com/songanizer/backend/internal/models"
	"github.com/songanizer/backend/internal/pkg/audio"
	"github.com/songanizer/backend/internal/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Initialize configuration
	cfg := config.New()

	// Initialize database
	db, err := models.InitDB(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// Run migrations
	if err := models.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize Redis
	redisClient := models.InitRedis(cfg)
	defer redisClient.Close()

	// Initialize services
	authService := services.NewAuthService(db, redisClient, cfg)
	userService := services.NewUserService(db)
	emailService := services.NewEmailService(cfg)
	marketingService := services.NewMarketingService(cfg)
	storageService := services.NewStorageService(cfg)

	s3Service, err := services.NewS3Service(cfg)
	if err != nil {
		log.Fatalf("Failed to init S3 service: %v", err)
	}
	artifactService := services.NewArtifactService(s3Service, cfg)
	analysisService := services.NewAnalysisService(cfg)
	normalizer := audio.NewNormalizer(cfg.FFmpegPath, cfg.FFprobePath, cfg.TranscodeTimeout)
	songRepository := services.NewSongRepository(db)

	songService := services.NewSongService(cfg, songRepository, artifactService, analysisService, normalizer)
	// Attach email service so finished analyses can notify owners
	songService.AttachEmailService(emailService, userService)

	if cfg.AnalysisWebhookSecret == "" {
		log.Println("WARN: ANALYSIS_WEBHOOK_SECRET not set, analysis callbacks are unauthenticated")
	}

	// Verify the artifact store before taking traffic in development
	if cfg.Env == "development" {
		if err := songService.VerifyArtifactRoundTrip(context.Background()); err != nil {
			log.Printf("WARN: artifact store self-check failed: %v", err)
		}
	}

	// Periodic cleanup for expired refresh tokens
	go func() {
		for {
			if err := authService.CleanupExpiredTokens(); err != nil {
				log.Printf("Token cleanup error: %v", err)
			}
			time.Sleep(1 * time.Hour)
		}
	}()

	// Setup Gin router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg))
	router.Use(middleware.RateLimiter(redisClient, cfg, "/api/v1/songs/analysis/callback"))
	router.MaxMultipartMemory = 32 << 20

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(authService, userService, emailService, marketingService)
	songHandler := handlers.NewSongHandler(cfg, songService, storageService)
	adminHandler := handlers.NewAdminHandler(userService)

	// Health check outside API group (no /api/v1 prefix)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	// Setup routes
	api := router.Group("/api/v1")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "healthy"})
		})

		// Catch-all OPTIONS handler for CORS preflight requests
		api.OPTIONS("/*path", func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		})

		// Auth routes
		auth := api.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.RefreshToken)
			auth.POST("/logout", middleware.Auth(authService), authHandler.Logout)
		}

		// User routes
		user := api.Group("/user")
		user.Use(middleware.Auth(authService))
		{
			user.GET("/profile", authHandler.Profile)
			user.PUT("/profile", authHandler.UpdateProfile)
		}

		// Public song routes; owners of hidden songs are recognized by token
		songs := api.Group("/songs")
		songs.Use(middleware.OptionalAuth(authService))
		{
			songs.GET("", songHandler.ListVisible)
			songs.GET("/:id", songHandler.Get)
			songs.GET("/:id/stream", songHandler.Stream)
			songs.GET("/:id/photo", songHandler.Photo)
		}

		// Analysis provider webhook
		api.POST("/songs/analysis/callback", songHandler.AnalysisCallback)

		// Authenticated song management
		mySongs := api.Group("/user/songs")
		mySongs.Use(middleware.Auth(authService))
		{
			mySongs.GET("", songHandler.ListMine)
			mySongs.PUT("/:id", songHandler.Update)
			mySongs.DELETE("/:id", songHandler.Delete)
			mySongs.POST("/:id/resubmit", songHandler.Resubmit)
			mySongs.POST("/:id/photo", songHandler.SetPhoto)
			mySongs.DELETE("/:id/photo", songHandler.RemovePhoto)

			// Upload with daily per-user rate limiting
			uploadGroup := mySongs.Group("")
			uploadGroup.Use(middleware.UploadRateLimit(redisClient, cfg))
			{
				uploadGroup.POST("", songHandler.Upload)
			}
		}

		// Admin user management
		admin := api.Group("/admin")
		admin.Use(middleware.Auth(authService))
		admin.Use(middleware.AdminOnly(authService))
		{
			admin.GET("/users", adminHandler.GetAllUsers)
			admin.GET("/users/:id", adminHandler.GetUserDetails)
			admin.PUT("/users/:id/active", adminHandler.UpdateUserActive)
		}
	}

	// Start server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  120 * time.Second, // 2 min for large audio uploads
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
