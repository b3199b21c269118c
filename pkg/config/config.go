package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

var (
	once   sync.Once
	config *Config
)

// Config 全局配置结构
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Log        LogConfig        `mapstructure:"log"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Permission PermissionConfig `mapstructure:"permission"`
	Mail       MailConfig       `mapstructure:"mail"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Registry   RegistryConfig   `mapstructure:"registry"`
}

// AppConfig 应用配置
type AppConfig struct {
	Name      string `mapstructure:"name"`
	Env       string `mapstructure:"env"`
	Version   string `mapstructure:"version"`
	URL       string `mapstructure:"url"`
	VerifyURL string `mapstructure:"verifyUrl"`
	ResetURL  string `mapstructure:"resetUrl"`
	// InviteURL 邀请注册页面，为空时使用 VerifyURL
	InviteURL string `mapstructure:"inviteUrl"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	HTTP HTTPConfig `mapstructure:"http"`
}

// HTTPConfig HTTP服务配置
type HTTPConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
	BodyLimit    int    `mapstructure:"bodyLimit"`
}

// Addr 监听地址
func (c *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	Charset      string `mapstructure:"charset"`
	MaxIdleConns int    `mapstructure:"maxIdleConns"`
	MaxOpenConns int    `mapstructure:"maxOpenConns"`
	LogLevel     string `mapstructure:"logLevel"`
}

// DSN 生成数据库连接字符串
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=True&loc=UTC",
			c.Username, c.Password, c.Host, c.Port, c.Database, c.Charset)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
			c.Host, c.Port, c.Username, c.Password, c.Database)
	case "sqlite":
		// 为空时使用内存数据库
		if c.Database == "" {
			return ":memory:"
		}
		return c.Database
	default:
		return ""
	}
}

// RedisConfig Redis配置
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"poolSize"`
	Mode     string `mapstructure:"mode"` // "standalone" 外部 Redis, "memory" 内存模式
}

// Addr 获取Redis地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JWTConfig JWT配置，时长单位为秒
type JWTConfig struct {
	Secret        string `mapstructure:"secret"`
	Issuer        string `mapstructure:"issuer"`
	AccessExpire  int64  `mapstructure:"accessExpire"`
	RefreshExpire int64  `mapstructure:"refreshExpire"`
	VerifyExpire  int64  `mapstructure:"verifyExpire"`
	ResetExpire   int64  `mapstructure:"resetExpire"`
	// SecretBoxKey 用于加密2FA密钥，32字节
	SecretBoxKey string `mapstructure:"secretBoxKey"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAge     int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	Driver        string `mapstructure:"driver"` // "redis" 或 "memory"
	ListTTL       int    `mapstructure:"listTtl"`
	DetailTTL     int    `mapstructure:"detailTtl"`
	SweepInterval int    `mapstructure:"sweepInterval"`
}

// PermissionConfig 权限表配置
type PermissionConfig struct {
	CacheTTL        int      `mapstructure:"cacheTtl"`
	RefreshInterval int      `mapstructure:"refreshInterval"`
	PublicPrefixes  []string `mapstructure:"publicPrefixes"`
	DevPrefixes     []string `mapstructure:"devPrefixes"`
	// DefaultRole 注册用户的缺省角色
	DefaultRole string `mapstructure:"defaultRole"`
}

// MailConfig 邮件配置
type MailConfig struct {
	Driver   string `mapstructure:"driver"` // "smtp" 或 "log"
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"fromName"`
	StartTLS bool   `mapstructure:"startTls"`
	SSL      bool   `mapstructure:"ssl"`
}

// StorageConfig 对象存储配置
type StorageConfig struct {
	Driver    string `mapstructure:"driver"` // "s3" 或 "memory"
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	Bucket    string `mapstructure:"bucket"`
	KeyPrefix string `mapstructure:"keyPrefix"`
	PathStyle bool   `mapstructure:"pathStyle"`
}

// RegistryConfig 服务注册配置
type RegistryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NodeID  string `mapstructure:"nodeId"`
}

// Seconds 转换为时长
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Init 初始化配置
func Init(configPath string) error {
	var err error
	once.Do(func() {
		config = Default()
		err = loadConfig(configPath)
	})
	return err
}

// Default 默认配置，测试与缺省值共用
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:    "crudkit",
			Env:     "development",
			Version: "v1.0.0",
		},
		Server:   ServerConfig{HTTP: HTTPConfig{Host: "0.0.0.0", Port: 8000, BodyLimit: 10 << 20}},
		Database: DatabaseConfig{Driver: "sqlite", MaxIdleConns: 5, MaxOpenConns: 20, LogLevel: "warn"},
		Redis:    RedisConfig{Host: "127.0.0.1", Port: 6379, Mode: "memory", PoolSize: 10},
		JWT: JWTConfig{
			Issuer:        "crudkit",
			AccessExpire:  int64((24 * time.Hour).Seconds()),
			RefreshExpire: int64((7 * 24 * time.Hour).Seconds()),
			VerifyExpire:  int64((24 * time.Hour).Seconds()),
			ResetExpire:   int64(time.Hour.Seconds()),
		},
		Log:   LogConfig{Level: "info", Format: "console", Output: "console"},
		Cache: CacheConfig{Driver: "redis", ListTTL: 300, DetailTTL: 300, SweepInterval: 60},
		Permission: PermissionConfig{
			CacheTTL:        600,
			RefreshInterval: 300,
			PublicPrefixes:  []string{"/admin", "/public", "/health"},
			DevPrefixes:     []string{"/docs", "/redoc", "/openapi.json", "/favicon.ico"},
			DefaultRole:     "USER",
		},
		Mail:    MailConfig{Driver: "log", Port: 587, StartTLS: true},
		Storage: StorageConfig{Driver: "memory", Region: "us-east-1", PathStyle: true},
	}
}

// loadConfig 加载配置文件
func loadConfig(configPath string) error {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// 加载环境特定配置
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = v.GetString("app.env")
	}
	if env != "" && env != "default" {
		v.SetConfigName(fmt.Sprintf("config.%s", env))
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("failed to merge env config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	resolveEnvVars(config)
	return nil
}

// resolveEnvVars 解析环境变量占位符
func resolveEnvVars(cfg *Config) {
	for _, p := range []*string{
		&cfg.Database.Host,
		&cfg.Database.Username,
		&cfg.Database.Password,
		&cfg.Database.Database,
		&cfg.Redis.Host,
		&cfg.Redis.Password,
		&cfg.JWT.Secret,
		&cfg.JWT.SecretBoxKey,
		&cfg.Mail.Username,
		&cfg.Mail.Password,
		&cfg.Storage.AccessKey,
		&cfg.Storage.SecretKey,
	} {
		*p = resolveEnvVar(*p)
	}
}

// resolveEnvVar 解析单个 ${VAR} 占位符
func resolveEnvVar(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		envKey := strings.TrimSuffix(strings.TrimPrefix(value, "${"), "}")
		if envValue := os.Getenv(envKey); envValue != "" {
			return envValue
		}
	}
	return value
}

// Get 获取配置实例
func Get() *Config {
	if config == nil {
		panic("config not initialized, call Init first")
	}
	return config
}

// IsDev 是否为开发环境
func (c *Config) IsDev() bool {
	return c.App.Env == "dev" || c.App.Env == "development"
}

// IsProd 是否为生产环境
func (c *Config) IsProd() bool {
	return c.App.Env == "prod" || c.App.Env == "production"
}
