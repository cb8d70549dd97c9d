package main

import (
	"context"
	"os"
	"time"

	"IMSync/global"
	"IMSync/logger"
	"IMSync/service/chat"
	"IMSync/service/store"
	"IMSync/service/store/memstore"
	"IMSync/service/store/remote"
	"IMSync/tools/ids"
	"IMSync/tools/security"
)

func main() {
	cfg := global.Config
	ids.SetNodeID(cfg.NodeID)

	var st store.Store
	if os.Getenv("IM_STORE") == "memory" {
		// single-process dev mode, no backends required
		logger.Info("using in-memory store")
		st = memstore.New()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		r, err := remote.New(ctx, remote.Config{
			NatsServers:   cfg.NatsServers,
			NatsName:      "imsync-gateway",
			MongoURI:      cfg.MongoURI,
			MongoDatabase: cfg.MongoDatabase,
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
			RedisDB:       cfg.RedisDB,
			HeartbeatTTL:  cfg.HeartbeatTTL,
		})
		cancel()
		if err != nil {
			logger.Errorf("remote store init failed: %v", err)
			os.Exit(1)
		}
		defer func() {
			if err := r.Close(); err != nil {
				logger.Warnf("remote store close: %v", err)
			}
		}()

		sweeper := remote.NewSweeper(r, 5*time.Second)
		sweeper.Start()
		defer sweeper.Stop()

		st = r
	}

	srv := chat.NewServer(st, security.DefaultOptions(cfg.JwtSecret))
	if err := srv.Run(cfg.HTTPPort); err != nil {
		logger.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}
