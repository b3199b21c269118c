package server

import (
	"context"
	"fmt"
	"time"

	"github.com/alicebob/miniredis/v2"
	pkgauth "github.com/goback/crudkit/pkg/auth"
	"github.com/goback/crudkit/pkg/broadcast"
	"github.com/goback/crudkit/pkg/cache"
	"github.com/goback/crudkit/pkg/config"
	"github.com/goback/crudkit/pkg/dal"
	"github.com/goback/crudkit/pkg/database"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/goback/crudkit/pkg/mail"
	"github.com/goback/crudkit/pkg/middleware"
	"github.com/goback/crudkit/pkg/rbac"
	"github.com/goback/crudkit/pkg/response"
	"github.com/goback/crudkit/pkg/router"
	"github.com/goback/crudkit/pkg/storage"
	"github.com/goback/crudkit/services/api/internal/admin"
	"github.com/goback/crudkit/services/api/internal/auth"
	"github.com/goback/crudkit/services/api/internal/model"
	"github.com/goback/crudkit/services/api/internal/permission"
	"github.com/goback/crudkit/services/api/internal/role"
	"github.com/goback/crudkit/services/api/internal/upload"
	"github.com/goback/crudkit/services/api/internal/user"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BasePath API 路由前缀
const BasePath = "/api"

// Server 组装好的 API 服务
type Server struct {
	Config      *config.Config
	App         *fiber.App
	DB          *gorm.DB
	Redis       *redis.Client
	Cache       cache.Store
	Responses   *cache.ResponseCache
	Permissions *rbac.Store
	Broadcaster *broadcast.Broadcaster
	Entities    *dal.Registry
	Storage     storage.Store
	Mail        mail.Sender
	JWT         *pkgauth.JWTManager
	Auth        *auth.Service

	mini *miniredis.Miniredis
}

// Option 覆盖默认依赖
type Option func(*Server)

// WithMail 替换邮件发送器
func WithMail(s mail.Sender) Option {
	return func(srv *Server) { srv.Mail = s }
}

// WithStorage 替换对象存储
func WithStorage(s storage.Store) Option {
	return func(srv *Server) { srv.Storage = s }
}

// NodeID 本节点ID
func NodeID(cfg *config.Config) string {
	if cfg.Registry.NodeID != "" {
		return cfg.Registry.NodeID
	}
	return cfg.App.Name + "-1"
}

// New 连接存储、注册实体与路由并补齐内置权限
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{Config: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.open(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) open(ctx context.Context) error {
	cfg := s.Config
	db, err := database.Open(&cfg.Database)
	if err != nil {
		return err
	}
	s.DB = db
	if err := db.AutoMigrate(model.All()...); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	logger.Info("数据库迁移完成")

	if s.Redis, s.mini, err = database.OpenRedis(&cfg.Redis); err != nil {
		return fmt.Errorf("连接Redis失败: %w", err)
	}

	if cfg.Cache.Driver == "memory" {
		s.Cache = cache.NewMemoryStore()
	} else {
		s.Cache = cache.NewRedisStore(s.Redis)
	}
	s.Responses = cache.NewResponseCache(cache.NewPrefixed(s.Cache, "resp:"),
		config.Seconds(cfg.Cache.ListTTL), config.Seconds(cfg.Cache.DetailTTL))

	if s.Storage == nil {
		if s.Storage, err = storage.New(ctx, &cfg.Storage); err != nil {
			return fmt.Errorf("初始化对象存储失败: %w", err)
		}
	}
	if s.Mail == nil {
		s.Mail = mail.New(&cfg.Mail)
	}
	s.JWT = pkgauth.NewJWTManager(&cfg.JWT)
	s.Broadcaster = broadcast.New(s.Redis, cfg.App.Name, NodeID(cfg))
	s.Permissions = rbac.NewStore(permission.Loader(db), s.Cache, config.Seconds(cfg.Permission.CacheTTL))
	return nil
}

func (s *Server) build(ctx context.Context) error {
	cfg := s.Config
	changed := permission.Publisher(s.Broadcaster)
	permission.Subscribe(s.Broadcaster, s.Permissions)

	s.Entities = dal.NewRegistry()
	users, err := dal.Register(s.Entities, s.DB, s.Responses, user.Descriptor(&user.Hooks{
		Store:       s.Storage,
		Mail:        s.Mail,
		JWT:         s.JWT,
		App:         cfg.App,
		DefaultRole: cfg.Permission.DefaultRole,
	}))
	if err != nil {
		return err
	}
	if _, err := dal.Register(s.Entities, s.DB, s.Responses, role.Descriptor(&role.Hooks{Changed: changed})); err != nil {
		return err
	}
	if _, err := dal.Register(s.Entities, s.DB, s.Responses, permission.Descriptor(&permission.Hooks{Changed: changed})); err != nil {
		return err
	}
	if _, err := dal.Register(s.Entities, s.DB, s.Responses, dal.Descriptor[model.APIKey]{
		Name:  auth.APIKeysEntity,
		Label: "API Key",
		Ops:   dal.OpList | dal.OpGet | dal.OpDelete,
	}); err != nil {
		return err
	}
	if _, err := dal.Register(s.Entities, s.DB, s.Responses, dal.Descriptor[model.RoleRedirection]{
		Name:  "role_redirections",
		Label: "Role Redirection",
	}); err != nil {
		return err
	}

	store := cache.NewPrefixed(s.Cache, "auth:")
	s.Auth = auth.NewService(auth.Deps{
		DB:        s.DB,
		Users:     users.Engine(),
		JWT:       s.JWT,
		Blacklist: pkgauth.NewBlacklist(store, s.JWT.Lifetime(pkgauth.TokenRefresh)),
		Cooldowns: store,
		Box:       pkgauth.NewSecretBox(cfg.JWT.SecretBoxKey),
		Mail:      s.Mail,
		Responses: s.Responses,
		App:       cfg.App,
	})
	authCtrl := auth.NewController(s.Auth)
	uploadCtrl := upload.NewController(s.Storage)

	hc := cfg.Server.HTTP
	s.App = fiber.New(fiber.Config{
		AppName:               cfg.App.Name,
		ErrorHandler:          response.ErrorHandler,
		BodyLimit:             hc.BodyLimit,
		ReadTimeout:           config.Seconds(hc.ReadTimeout),
		WriteTimeout:          config.Seconds(hc.WriteTimeout),
		Views:                 admin.Views(),
		DisableStartupMessage: true,
	})
	s.App.Use(middleware.Recovery())
	s.App.Use(middleware.RequestID())
	s.App.Use(middleware.Cors())
	s.App.Use(middleware.Gate(middleware.GateConfig{
		Permissions:    s.Permissions,
		JWT:            s.JWT,
		Blacklist:      s.Auth.Blacklist,
		Identities:     user.NewIdentities(s.DB),
		PublicPrefixes: append(append([]string{}, cfg.Permission.PublicPrefixes...), devPrefixes(cfg)...),
	}))

	s.App.Get("/health", func(c *fiber.Ctx) error {
		return response.Success(c, fiber.Map{
			"status":  "healthy",
			"service": cfg.App.Name,
			"time":    time.Now().Format(time.RFC3339),
		})
	})
	router.Register(s.App, BasePath, authCtrl, uploadCtrl)
	s.Entities.Mount(s.App.Group(BasePath))
	s.App.Get(upload.PublicPrefix+"*", uploadCtrl.ServePublic)
	(&admin.Handler{
		Entities:  s.Entities,
		DB:        s.DB,
		Responses: s.Responses,
		Endpoints: s.Endpoints,
		Changed:   changed,
	}).Mount(s.App)

	rules := router.PublicRules(BasePath, authCtrl, uploadCtrl)
	if cfg.Permission.DefaultRole != "" {
		rules = append(rules, router.SelfRules(cfg.Permission.DefaultRole, BasePath, authCtrl, uploadCtrl)...)
	}
	rules = append(rules, router.Rules(rbac.SuperAdmin, s.Endpoints())...)
	if err := permission.Seed(ctx, s.DB, permission.Plan{DefaultRole: cfg.Permission.DefaultRole, Rules: rules}); err != nil {
		return fmt.Errorf("初始化权限失败: %w", err)
	}
	// 共享缓存可能留有上次运行的结果
	s.Responses.Invalidate(ctx, "roles")
	s.Responses.Invalidate(ctx, permission.Entity)
	return s.Permissions.Refresh(ctx)
}

// devPrefixes 开发环境下放行文档路径
func devPrefixes(cfg *config.Config) []string {
	if cfg.IsDev() {
		return cfg.Permission.DevPrefixes
	}
	return nil
}

// Endpoints 已挂载的 API 路由
func (s *Server) Endpoints() []router.Endpoint {
	return router.Endpoints(s.App, BasePath)
}

// Close 释放数据库与 Redis 连接
func (s *Server) Close() {
	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if s.Redis != nil {
		if err := s.Redis.Close(); err != nil {
			logger.Warn("关闭Redis失败", zap.Error(err))
		}
	}
	if s.mini != nil {
		s.mini.Close()
	}
}
