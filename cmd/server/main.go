package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/auth"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/backplane"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/config"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/gateway"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/logger"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/presence"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/rooms"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/server"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	gin.SetMode(cfg.GinMode)
	log := logger.New(cfg.GinMode)
	defer log.Sync()

	tokenCfg := auth.TokenConfig{
		Secret:         cfg.JWTSecret,
		DevBypassToken: cfg.DevBypassToken,
	}

	var store presence.Store
	var bp backplane.Backplane = backplane.Noop{}
	if cfg.RedisAddr != "" {
		client, err := presence.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatal("redis connect failed", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		store = presence.NewRedisStore(client)
		if cfg.BackplaneEnabled {
			bp = backplane.NewRedis(client, log)
		}
	} else {
		log.Warn("REDIS_ADDR not set, using in-memory presence store")
		store = presence.NewMemoryStore()
	}

	presenceMgr := presence.NewManager(store, cfg.PresenceTTL(), cfg.CursorTTL())

	gw := gateway.NewServer(gateway.Deps{
		Log:         log,
		TokenConfig: tokenCfg,
		Registry:    rooms.New(),
		Presence:    presenceMgr,
		Backplane:   bp,
		InstanceID:  cfg.InstanceID,
	})

	if cfg.BackplaneEnabled {
		if err := bp.Subscribe(context.Background(), gw.DeliverFromBackplane); err != nil {
			log.Fatal("backplane subscribe failed", zap.Error(err))
		}
		log.Info("backplane enabled", zap.String("instance", cfg.InstanceID))
	}

	router := server.NewRouter(server.Deps{
		Log:         log,
		TokenConfig: tokenCfg,
		Gateway:     gw,
		Presence:    presenceMgr,
	})

	log.Info("collaboration gateway listening", zap.Int("port", cfg.Port))
	if err := server.Run(cfg, router); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
