package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HasNetwork/chat/internal/bus"
	"github.com/HasNetwork/chat/internal/config"
	"github.com/HasNetwork/chat/internal/db"
	"github.com/HasNetwork/chat/internal/files"
	clog "github.com/HasNetwork/chat/internal/log"
	"github.com/HasNetwork/chat/internal/mw"
	"github.com/HasNetwork/chat/internal/presence"
	"github.com/HasNetwork/chat/internal/registry"
	"github.com/HasNetwork/chat/internal/server"
	"github.com/HasNetwork/chat/internal/service"
	"github.com/HasNetwork/chat/internal/store"
	"github.com/HasNetwork/chat/internal/tokens"
	"github.com/HasNetwork/chat/internal/ws"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库、组装各层依赖并启动 HTTP 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		log.Fatal().Err(err).Msg("db handle")
	}
	st := store.New(gdb)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := bus.NewHub()
	tracker := presence.New(st, hub)
	// 上次进程退出时残留的在线标记一律清零。
	if err := tracker.Reset(ctx); err != nil {
		log.Fatal().Err(err).Msg("reset presence")
	}
	msgs := service.NewMessageService(st, hub, cfg.HistoryLimit)
	reg := registry.New(hub, st, tracker, msgs)

	tk, err := tokens.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("token store")
	}
	fs := files.New(cfg.UploadDir, cfg.MaxUploadBytes())
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("upload dir")
	}

	h := server.NewHandler(
		service.NewUserService(st, tk, cfg),
		service.NewRoomService(st, hub),
		msgs,
		service.NewAdminService(st, msgs, reg, fs, tk),
		fs,
		cfg.MaxUploadBytes(),
	)
	limiter := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	r := server.SetupRouter(cfg, server.Deps{
		Handler:   h,
		WS:        ws.NewHandler(reg, msgs, tracker, st, cfg.JWTSecret, cfg.WSSendBuffer, mw.NewOriginPolicy(cfg.Env, cfg.CORSOrigins).CheckOrigin),
		Users:     st,
		Limiter:   limiter,
		UploadDir: cfg.UploadDir,
		Ping:      sqlDB.Ping,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	hub.Close()
	limiter.Stop()
	if err := tk.Close(); err != nil {
		log.Error().Err(err).Msg("token store close")
	}
	if err := sqlDB.Close(); err != nil {
		log.Error().Err(err).Msg("db close")
	}
}
