package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goback/crudkit/pkg/cache"
	"github.com/goback/crudkit/pkg/config"
	"github.com/goback/crudkit/pkg/lifecycle"
	"github.com/goback/crudkit/pkg/logger"
	pkgRegistry "github.com/goback/crudkit/pkg/registry"
	"github.com/goback/crudkit/services/api/internal/server"
	"go.uber.org/zap"
)

func main() {
	// 加载配置
	if err := config.Init(os.Getenv("CONFIG_FILE")); err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()

	// 初始化日志
	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		logger.Fatal("初始化服务失败", zap.Error(err))
	}

	addr := cfg.Server.HTTP.Addr()
	builder := lifecycle.NewBuilder(cfg.App.Name).
		WithNodeID(server.NodeID(cfg)).
		WithAddress(addr).
		WithApp(srv.App).
		WithBroadcaster(srv.Broadcaster).
		Every("permissions", config.Seconds(cfg.Permission.RefreshInterval), srv.Permissions.Refresh)

	// 内存缓存需要定期清理过期项
	if sw, ok := srv.Cache.(cache.Sweeper); ok {
		builder.Every("cache-sweep", config.Seconds(cfg.Cache.SweepInterval), func(context.Context) error {
			sw.DeleteExpired()
			return nil
		})
	}

	if cfg.Registry.Enabled {
		var names []string
		for _, e := range srv.Entities.All() {
			names = append(names, e.Name())
		}
		builder.WithRegistry(pkgRegistry.NewRedisRegistry(srv.Redis)).
			WithService(pkgRegistry.BuildService(&pkgRegistry.ServiceConfig{
				Name:     cfg.App.Name,
				Version:  cfg.App.Version,
				NodeID:   server.NodeID(cfg),
				Address:  addr,
				Entities: names,
				Prefix:   server.BasePath,
			}))
	}

	svc := builder.
		OnReady(func(ctx context.Context, s *lifecycle.Service) error {
			logger.Info("服务就绪", zap.String("addr", s.Addr().String()), zap.String("env", cfg.App.Env))
			return nil
		}).
		OnStop(func(ctx context.Context, s *lifecycle.Service) error {
			logger.Info("正在清理资源...")
			srv.Close()
			return nil
		}).
		Build()

	if err := svc.Run(ctx); err != nil {
		logger.Fatal("服务运行失败", zap.Error(err))
	}
}
