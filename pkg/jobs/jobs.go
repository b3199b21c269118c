package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goback/crudkit/pkg/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Func 一次任务执行
type Func func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       Func
	// immediate 启动时先执行一次
	immediate bool
}

// Runner 周期任务调度，每次执行相互隔离，错误与 panic 只记录日志
type Runner struct {
	mu   sync.Mutex
	jobs []job
}

// NewRunner 创建调度器
func NewRunner() *Runner {
	return &Runner{}
}

// Every 按间隔执行，首次执行在一个间隔之后
func (r *Runner) Every(name string, interval time.Duration, fn Func) {
	r.add(job{name: name, interval: interval, fn: fn})
}

// Now 启动时立即执行一次，之后按间隔执行
func (r *Runner) Now(name string, interval time.Duration, fn Func) {
	r.add(job{name: name, interval: interval, fn: fn, immediate: true})
}

func (r *Runner) add(j job) {
	if j.interval <= 0 {
		panic(fmt.Sprintf("jobs: non-positive interval for %q", j.name))
	}
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
}

// Run 运行全部任务直到 ctx 取消
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	jobs := append([]job(nil), r.jobs...)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, j := range jobs {
		g.Go(func() error {
			loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func loop(ctx context.Context, j job) {
	logger.Info("任务已启动", zap.String("job", j.name), zap.Duration("interval", j.interval))
	if j.immediate {
		tick(ctx, j)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("任务已停止", zap.String("job", j.name))
			return
		case <-ticker.C:
			tick(ctx, j)
		}
	}
}

// tick 单次执行，panic 不影响后续执行
func tick(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("任务执行异常", zap.String("job", j.name), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	if err := j.fn(ctx); err != nil && ctx.Err() == nil {
		logger.Error("任务执行失败", zap.String("job", j.name), zap.Error(err))
	}
}
