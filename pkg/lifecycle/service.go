package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goback/crudkit/pkg/broadcast"
	"github.com/goback/crudkit/pkg/jobs"
	"github.com/goback/crudkit/pkg/logger"
	"github.com/gofiber/fiber/v2"
	"go-micro.dev/v5/registry"
	"go.uber.org/zap"
)

// Event 生命周期事件类型
type Event string

const (
	EventStarting Event = "starting" // 服务启动中
	EventReady    Event = "ready"    // 服务就绪（可接收请求）
	EventStopping Event = "stopping" // 服务停止中
	EventStopped  Event = "stopped"  // 服务已停止
)

// EventPayload 生命周期事件负载
type EventPayload struct {
	Event   Event  `json:"event"`
	Address string `json:"address,omitempty"`
}

// Hook 生命周期钩子
type Hook func(ctx context.Context, s *Service) error

// ServiceOptions 服务配置选项
type ServiceOptions struct {
	Name            string            // 服务名称
	NodeID          string            // 节点ID
	Address         string            // 监听地址
	Registry        registry.Registry // 服务注册中心，可选
	Service         *registry.Service // 服务注册信息
	ShutdownTimeout time.Duration
}

// Service 服务运行时：钩子、HTTP 监听、周期任务、节点注册与信号关闭
type Service struct {
	opts        *ServiceOptions
	app         *fiber.App
	broadcaster *broadcast.Broadcaster
	jobs        *jobs.Runner

	onStart []Hook
	onReady []Hook
	onStop  []Hook

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// NewService 创建服务
func NewService(opts *ServiceOptions, app *fiber.App) *Service {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Service{
		opts:        opts,
		app:         app,
		broadcaster: broadcast.New(nil, opts.Name, opts.NodeID),
		jobs:        jobs.NewRunner(),
		ready:       make(chan struct{}),
	}
}

// App Fiber 应用
func (s *Service) App() *fiber.App {
	return s.app
}

// Broadcaster 广播器
func (s *Service) Broadcaster() *broadcast.Broadcaster {
	return s.broadcaster
}

// SetBroadcaster 替换广播器，需在 Run 之前调用
func (s *Service) SetBroadcaster(b *broadcast.Broadcaster) {
	s.broadcaster = b
}

// Jobs 周期任务调度器
func (s *Service) Jobs() *jobs.Runner {
	return s.jobs
}

// Addr 实际监听地址，就绪前为 nil
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Ready 就绪钩子执行完成后关闭
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// OnStart 注册启动钩子，监听前执行
func (s *Service) OnStart(fn Hook) {
	s.onStart = append(s.onStart, fn)
}

// OnReady 注册就绪钩子，开始监听后执行
func (s *Service) OnReady(fn Hook) {
	s.onReady = append(s.onReady, fn)
}

// OnStop 注册停止钩子
func (s *Service) OnStop(fn Hook) {
	s.onStop = append(s.onStop, fn)
}

// Run 运行服务，收到 SIGINT/SIGTERM 或 ctx 取消时优雅关闭
func (s *Service) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := s.broadcaster.Start(ctx); err != nil {
		return fmt.Errorf("start broadcaster: %w", err)
	}
	s.emit(ctx, EventStarting)

	for _, fn := range s.onStart {
		if err := fn(ctx, s); err != nil {
			return fmt.Errorf("start hook: %w", err)
		}
	}

	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Address, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	if s.opts.Registry != nil && s.opts.Service != nil {
		if err := s.opts.Registry.Register(s.opts.Service); err != nil {
			_ = ln.Close()
			return fmt.Errorf("register service: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("服务启动", zap.String("service", s.opts.Name), zap.String("address", ln.Addr().String()))
		if err := s.app.Listener(ln); err != nil {
			errCh <- err
		}
	}()

	jobsCtx, cancelJobs := context.WithCancel(ctx)
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		_ = s.jobs.Run(jobsCtx)
	}()

	var runErr error
	for _, fn := range s.onReady {
		if err := fn(ctx, s); err != nil {
			runErr = fmt.Errorf("ready hook: %w", err)
			break
		}
	}
	if runErr == nil {
		close(s.ready)
		s.emit(ctx, EventReady)

		select {
		case <-ctx.Done():
			logger.Info("收到退出信号，正在关闭服务...")
		case err := <-errCh:
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	cancelJobs()
	<-jobsDone
	s.shutdown()
	return runErr
}

// shutdown 注销节点后停止 HTTP，再执行停止钩子
func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.emit(ctx, EventStopping)

	if s.opts.Registry != nil && s.opts.Service != nil {
		if err := s.opts.Registry.Deregister(s.opts.Service); err != nil {
			logger.Error("注销服务失败", zap.Error(err))
		}
	}

	if err := s.app.ShutdownWithContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("关闭HTTP服务失败", zap.Error(err))
	}

	for _, fn := range s.onStop {
		if err := fn(ctx, s); err != nil {
			logger.Error("停止钩子执行失败", zap.Error(err))
		}
	}

	s.emit(ctx, EventStopped)
	logger.Info("服务已关闭", zap.String("service", s.opts.Name))
}

func (s *Service) emit(ctx context.Context, event Event) {
	payload := EventPayload{Event: event}
	if addr := s.Addr(); addr != nil {
		payload.Address = addr.String()
	}
	if err := s.broadcaster.Publish(ctx, broadcast.TopicLifecycle, payload); err != nil {
		logger.Warn("发布生命周期事件失败", zap.String("event", string(event)), zap.Error(err))
	}
}
