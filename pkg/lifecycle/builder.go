package lifecycle

import (
	"time"

	"github.com/goback/crudkit/pkg/broadcast"
	"github.com/goback/crudkit/pkg/jobs"
	"github.com/gofiber/fiber/v2"
	"go-micro.dev/v5/registry"
)

type scheduled struct {
	name      string
	interval  time.Duration
	fn        jobs.Func
	immediate bool
}

// Builder 服务构建器，链式调用创建服务
type Builder struct {
	opts        *ServiceOptions
	app         *fiber.App
	broadcaster *broadcast.Broadcaster
	jobs        []scheduled
	onStart     []Hook
	onReady     []Hook
	onStop      []Hook
}

// NewBuilder 创建服务构建器
func NewBuilder(name string) *Builder {
	return &Builder{
		opts: &ServiceOptions{
			Name:   name,
			NodeID: name + "-1",
		},
	}
}

// WithNodeID 设置节点ID，空值忽略
func (b *Builder) WithNodeID(nodeID string) *Builder {
	if nodeID != "" {
		b.opts.NodeID = nodeID
	}
	return b
}

// WithAddress 设置监听地址
func (b *Builder) WithAddress(addr string) *Builder {
	b.opts.Address = addr
	return b
}

// WithRegistry 设置服务注册中心
func (b *Builder) WithRegistry(reg registry.Registry) *Builder {
	b.opts.Registry = reg
	return b
}

// WithService 设置服务注册信息
func (b *Builder) WithService(svc *registry.Service) *Builder {
	b.opts.Service = svc
	return b
}

// WithBroadcaster 设置广播器
func (b *Builder) WithBroadcaster(bc *broadcast.Broadcaster) *Builder {
	b.broadcaster = bc
	return b
}

// WithApp 设置Fiber应用
func (b *Builder) WithApp(app *fiber.App) *Builder {
	b.app = app
	return b
}

// WithShutdownTimeout 设置关闭超时
func (b *Builder) WithShutdownTimeout(d time.Duration) *Builder {
	b.opts.ShutdownTimeout = d
	return b
}

// Every 添加周期任务
func (b *Builder) Every(name string, interval time.Duration, fn jobs.Func) *Builder {
	b.jobs = append(b.jobs, scheduled{name: name, interval: interval, fn: fn})
	return b
}

// Now 添加启动即执行的周期任务
func (b *Builder) Now(name string, interval time.Duration, fn jobs.Func) *Builder {
	b.jobs = append(b.jobs, scheduled{name: name, interval: interval, fn: fn, immediate: true})
	return b
}

// OnStart 添加启动钩子
func (b *Builder) OnStart(fn Hook) *Builder {
	b.onStart = append(b.onStart, fn)
	return b
}

// OnReady 添加就绪钩子
func (b *Builder) OnReady(fn Hook) *Builder {
	b.onReady = append(b.onReady, fn)
	return b
}

// OnStop 添加停止钩子
func (b *Builder) OnStop(fn Hook) *Builder {
	b.onStop = append(b.onStop, fn)
	return b
}

// Build 构建服务
func (b *Builder) Build() *Service {
	if b.app == nil {
		b.app = fiber.New(fiber.Config{DisableStartupMessage: true})
	}
	if b.opts.Registry != nil && b.opts.Service == nil && b.opts.Address != "" {
		b.opts.Service = &registry.Service{
			Name:    b.opts.Name,
			Version: "1.0.0",
			Nodes:   []*registry.Node{{Id: b.opts.NodeID, Address: b.opts.Address}},
		}
	}

	svc := NewService(b.opts, b.app)
	if b.broadcaster != nil {
		svc.SetBroadcaster(b.broadcaster)
	}
	for _, j := range b.jobs {
		if j.immediate {
			svc.Jobs().Now(j.name, j.interval, j.fn)
		} else {
			svc.Jobs().Every(j.name, j.interval, j.fn)
		}
	}
	for _, fn := range b.onStart {
		svc.OnStart(fn)
	}
	for _, fn := range b.onReady {
		svc.OnReady(fn)
	}
	for _, fn := range b.onStop {
		svc.OnStop(fn)
	}
	return svc
}
