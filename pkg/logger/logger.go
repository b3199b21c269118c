package logger

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/goback/crudkit/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu        sync.RWMutex
	defLogger *zap.Logger
)

// Init 初始化日志
func Init(cfg *config.LogConfig) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// New 按配置创建日志实例
func New(cfg *config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	stdout := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	var core zapcore.Core
	switch cfg.Output {
	case "file":
		w, err := fileWriter(cfg)
		if err != nil {
			return nil, err
		}
		core = zapcore.NewCore(encoder, w, level)
	case "both":
		w, err := fileWriter(cfg)
		if err != nil {
			return nil, err
		}
		core = zapcore.NewTee(stdout, zapcore.NewCore(encoder, w, level))
	default:
		core = stdout
	}

	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// fileWriter 使用lumberjack进行日志轮转
func fileWriter(cfg *config.LogConfig) (zapcore.WriteSyncer, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Filename), 0o755); err != nil {
		return nil, err
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}

// Set 替换全局日志实例
func Set(l *zap.Logger) {
	mu.Lock()
	defLogger = l
	mu.Unlock()
}

// Get 获取日志实例，未初始化时使用控制台默认配置
func Get() *zap.Logger {
	mu.RLock()
	l := defLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	l, _ = New(&config.LogConfig{Level: "debug", Format: "console", Output: "console"})
	mu.Lock()
	if defLogger == nil {
		defLogger = l
	}
	l = defLogger
	mu.Unlock()
	return l
}

// Named 获取带模块名的日志实例
func Named(name string) *zap.Logger {
	return Get().Named(name)
}

// Sync 同步日志
func Sync() error {
	return Get().Sync()
}

// Debug 调试日志
func Debug(msg string, fields ...zap.Field) {
	Get().Debug(msg, fields...)
}

// Info 信息日志
func Info(msg string, fields ...zap.Field) {
	Get().Info(msg, fields...)
}

// Warn 警告日志
func Warn(msg string, fields ...zap.Field) {
	Get().Warn(msg, fields...)
}

// Error 错误日志
func Error(msg string, fields ...zap.Field) {
	Get().Error(msg, fields...)
}

// Fatal 致命错误日志
func Fatal(msg string, fields ...zap.Field) {
	Get().Fatal(msg, fields...)
}
