package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/authhub/backend/internal/channel"
	"github.com/authhub/backend/internal/config"
	"github.com/authhub/backend/internal/db"
	"github.com/authhub/backend/internal/handler"
	"github.com/authhub/backend/internal/model"
	"github.com/authhub/backend/internal/registry"
	"github.com/authhub/backend/internal/service"
	"github.com/authhub/backend/internal/token"
)

// @title AuthHub API
// @version 1.0
// @description Multi-channel authentication and device session management.
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[Main] No .env file loaded: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("[Main] Postgres init failed: %v", err)
	}
	defer pg.Close()

	if err := pg.EnsureSchema(ctx); err != nil {
		log.Fatalf("[Main] Schema init failed: %v", err)
	}

	if cfg.Admin.Username != "" && cfg.Admin.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Admin.Password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[Main] Admin password hash failed: %v", err)
		}
		if err := pg.EnsureAdmin(ctx, cfg.Admin.Username, string(hash)); err != nil {
			log.Fatalf("[Main] Admin bootstrap failed: %v", err)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("[Main] Redis init failed: %v", err)
	}
	defer rdb.Close()

	issuer, err := token.NewIssuer(cfg.Auth)
	if err != nil {
		log.Fatalf("[Main] Token issuer init failed: %v", err)
	}

	directory := db.NewUserDirectory(pg)
	sessions := registry.NewRedisStore(rdb, cfg.Auth.RefreshTTL)
	codes := channel.NewRedisCodeStore(rdb)

	verifiers := []channel.Verifier{
		channel.NewPasswordVerifier(directory),
		channel.NewSmsVerifier(directory, codes),
	}
	if cfg.Exchange.IssuerURL != "" {
		exchanger, err := channel.NewOIDCExchanger(ctx, cfg.Exchange)
		if err != nil {
			log.Fatalf("[Main] Identity exchanger init failed: %v", err)
		}
		verifiers = append(verifiers, channel.NewCodeExchangeVerifier(directory, exchanger, model.ChannelMiniProgram))
	}

	authService := service.NewAuthService(channel.NewRegistry(verifiers...), issuer, sessions, directory, cfg.Auth)
	authHandler := handler.NewAuthHandler(authService)

	router := gin.Default()
	router.GET("/", handler.Root)
	router.GET("/ping", handler.Ping)
	router.GET("/openapi.json", handler.OpenAPIDoc)

	auth := router.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", authHandler.Logout)
		auth.POST("/kickout", authHandler.KickOut)
		auth.POST("/kickout/all", authHandler.KickOutAll)
		auth.GET("/validate", authHandler.Validate)

		protected := auth.Group("")
		protected.Use(handler.AuthMiddleware(authService))
		protected.GET("/userinfo", authHandler.UserInfo)
		protected.GET("/devices", authHandler.Devices)
	}

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	go func() {
		log.Printf("[Main] Listening on %s", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Main] Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Main] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Main] Shutdown failed: %v", err)
	}
}
