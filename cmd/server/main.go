package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"livechat/internal/app"
	"livechat/internal/config"
	"livechat/internal/db"
	clog "livechat/internal/log"
	"livechat/internal/mw"
	"livechat/internal/server"
	"livechat/internal/store"
	"livechat/internal/tasks"
	"livechat/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func openRepository(cfg config.Config) (store.Repository, error) {
	if cfg.DatabaseDriver == "memory" {
		log.Warn().Msg("using in-memory notification store; data is lost on restart")
		return store.NewMemory(), nil
	}
	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, err
	}
	return store.NewGorm(gdb), nil
}

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	repo, err := openRepository(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.DatabaseDriver).Msg("db connect")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rc := app.New(cfg, repo)
	rc.Start(ctx)
	gw := ws.NewGateway(rc)
	// 控制单个 IP+路由的速率，避免被刷爆。
	httpLimiter := mw.NewRateLimiter(rate.Every(time.Second/20), 40, 10*time.Minute)

	sweeper := tasks.NewSweeper(map[string]tasks.Sweepable{
		"pair_locks":   rc.Notifications,
		"reactions":    rc.Reactions,
		"ws_limiter":   rc.EventLimiter,
		"http_limiter": httpLimiter,
	})
	if err := sweeper.Start(cfg.SweepSchedule); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.SweepSchedule).Msg("sweeper")
	}
	defer sweeper.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(rc, gw, httpLimiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.DatabaseDriver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		gw.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server run")
	}
}
