// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构体
type Config struct {
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	StateStore StateStoreConfig `mapstructure:"statestore"`
	Tracker    TrackerConfig    `mapstructure:"tracker"`
	Recovery   RecoveryConfig   `mapstructure:"recovery"`
	Events     EventsConfig     `mapstructure:"events"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Log        LogConfig        `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// LedgerConfig 全局资源上限
type LedgerConfig struct {
	TotalMemoryMB       int     `mapstructure:"total_memory_mb"`
	TotalCPUCores       float64 `mapstructure:"total_cpu_cores"`
	MaxConcurrentAgents int     `mapstructure:"max_concurrent_agents"`
}

// LifecycleConfig 生命周期超时与恢复策略
type LifecycleConfig struct {
	InitTimeout         string               `mapstructure:"init_timeout"`        // 如 "10s"
	ActivationTimeout   string               `mapstructure:"activation_timeout"`  // 如 "10s"
	TerminationTimeout  string               `mapstructure:"termination_timeout"` // 等待在途工作响应取消的上限
	ForceCleanupRetries int                  `mapstructure:"force_cleanup_retries"`
	Recovery            RecoveryPolicyConfig `mapstructure:"recovery"`
}

// RecoveryPolicyConfig 初始化失败后的 fallback 重试策略
type RecoveryPolicyConfig struct {
	MaxAttempts     int    `mapstructure:"max_attempts"`     // 不含首次
	Backoff         string `mapstructure:"backoff"`          // exponential | fixed
	InitialInterval string `mapstructure:"initial_interval"` // 如 "100ms"
	MaxInterval     string `mapstructure:"max_interval"`     // 如 "2s"
}

// StateStoreConfig 分层存储配置
type StateStoreConfig struct {
	TierOrder  []string          `mapstructure:"tier_order"` // 默认 fast, durable, archival
	Checksum   string            `mapstructure:"checksum"`   // sha256 | blake3
	AutoRepair bool              `mapstructure:"auto_repair"`
	Fast       CacheConfig       `mapstructure:"fast"`
	Durable    MetadataConfig    `mapstructure:"durable"`
	Archival   ObjectConfig      `mapstructure:"archival"`
	Schemas    map[string]Schema `mapstructure:"schemas"` // agent_type -> state_data 字段类型
}

// Schema state_data 字段 -> 期望类型（string | number | bool | object | array）
type Schema map[string]string

// CacheConfig FAST 层（memory | redis）
type CacheConfig struct {
	Type      string `mapstructure:"type"`
	Addr      string `mapstructure:"addr"`
	DB        int    `mapstructure:"db"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TTL       string `mapstructure:"ttl"` // 为空表示不过期
}

// MetadataConfig DURABLE 层（memory | postgres | sqlite）
type MetadataConfig struct {
	Type     string `mapstructure:"type"`
	DSN      string `mapstructure:"dsn"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
	PoolSize int    `mapstructure:"pool_size"`
}

// ObjectConfig ARCHIVAL 层（memory | file）
type ObjectConfig struct {
	Type        string `mapstructure:"type"`
	Dir         string `mapstructure:"dir"`
	Compression string `mapstructure:"compression"` // zstd | lz4 | none
	Region      string `mapstructure:"region"`
}

// TrackerConfig StateTracker 配置
type TrackerConfig struct {
	WriteThrough  bool   `mapstructure:"write_through"`
	SnapshotTier  string `mapstructure:"snapshot_tier"`
	ContinuityTTL string `mapstructure:"continuity_ttl"` // SessionContinuityRecord 保留时长
	GCInterval    string `mapstructure:"gc_interval"`
}

// RecoveryConfig RecoveryCoordinator 配置
type RecoveryConfig struct {
	RTO                 string  `mapstructure:"rto"`
	AsyncQueueSize      int     `mapstructure:"async_queue_size"`
	AsyncRate           float64 `mapstructure:"async_rate"` // 异步备份每秒写入次数
	HealthCheckInterval string  `mapstructure:"health_check_interval"`
}

// EventsConfig 事件投递配置
type EventsConfig struct {
	Sink             string        `mapstructure:"sink"` // memory | webhook
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	Webhook          WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig 外部 WebSocket 网关的 HTTP 入口
type WebhookConfig struct {
	Endpoint string  `mapstructure:"endpoint"`
	Token    string  `mapstructure:"token"`
	Timeout  string  `mapstructure:"timeout"`
	Retries  int     `mapstructure:"retries"`
	RPS      float64 `mapstructure:"rps"`
}

// AuthConfig JWT 认证
type AuthConfig struct {
	JWTKey          string              `mapstructure:"jwt_key"`
	Issuer          string              `mapstructure:"issuer"`
	RolePermissions map[string][]string `mapstructure:"role_permissions"`
}

// SecretsConfig Secret Store 配置
type SecretsConfig struct {
	Provider  string      `mapstructure:"provider"`   // env | memory | vault
	EnvPrefix string      `mapstructure:"env_prefix"` // env provider 的变量名前缀
	Vault     VaultConfig `mapstructure:"vault"`
}

// VaultConfig Vault 连接
type VaultConfig struct {
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`
	PathPrefix string `mapstructure:"path_prefix"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// PrometheusConfig Prometheus 配置
type PrometheusConfig struct {
	Enable bool `mapstructure:"enable"`
	Port   int  `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ledger.total_memory_mb", 4096)
	v.SetDefault("ledger.total_cpu_cores", 8)
	v.SetDefault("ledger.max_concurrent_agents", 32)

	v.SetDefault("lifecycle.init_timeout", "10s")
	v.SetDefault("lifecycle.activation_timeout", "10s")
	v.SetDefault("lifecycle.termination_timeout", "5s")
	v.SetDefault("lifecycle.force_cleanup_retries", 3)
	v.SetDefault("lifecycle.recovery.max_attempts", 2)
	v.SetDefault("lifecycle.recovery.backoff", "exponential")
	v.SetDefault("lifecycle.recovery.initial_interval", "100ms")
	v.SetDefault("lifecycle.recovery.max_interval", "2s")

	v.SetDefault("statestore.tier_order", []string{"fast", "durable", "archival"})
	v.SetDefault("statestore.checksum", "sha256")
	v.SetDefault("statestore.auto_repair", true)
	v.SetDefault("statestore.fast.type", "memory")
	v.SetDefault("statestore.fast.key_prefix", "agentrt:")
	v.SetDefault("statestore.durable.type", "memory")
	v.SetDefault("statestore.archival.type", "memory")
	v.SetDefault("statestore.archival.compression", "zstd")

	v.SetDefault("tracker.write_through", true)
	v.SetDefault("tracker.snapshot_tier", "fast")
	v.SetDefault("tracker.continuity_ttl", "72h")
	v.SetDefault("tracker.gc_interval", "10m")

	v.SetDefault("recovery.rto", "30s")
	v.SetDefault("recovery.async_queue_size", 256)
	v.SetDefault("recovery.async_rate", 50)
	v.SetDefault("recovery.health_check_interval", "15s")

	v.SetDefault("events.sink", "memory")
	v.SetDefault("events.subscriber_buffer", 64)
	v.SetDefault("events.webhook.timeout", "5s")
	v.SetDefault("events.webhook.retries", 2)
	v.SetDefault("events.webhook.rps", 100)

	v.SetDefault("secrets.provider", "env")
	v.SetDefault("secrets.env_prefix", "AGENTRT_SECRET_")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.prometheus.port", 9464)
	v.SetDefault("monitoring.tracing.service_name", "agent-platform")
}

// LoadConfig 加载配置文件；configPath 为空时仅使用默认值与环境变量
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("无法读取配置文件: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	replaceEnvVars(&config)
	return &config, nil
}

// Default 返回全部默认值的配置
func Default() *Config {
	cfg, err := LoadConfig("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// SecretResolver 按名称取 secret（由 pkg/secrets.Store.Get 提供）
type SecretResolver func(ctx context.Context, name string) (string, error)

const secretPrefix = "secret:"

// ResolveSecrets 替换配置中形如 "secret:<name>" 的敏感值
func ResolveSecrets(ctx context.Context, config *Config, resolve SecretResolver) error {
	if config == nil || resolve == nil {
		return nil
	}
	fields := []*string{
		&config.StateStore.Fast.Password,
		&config.StateStore.Durable.DSN,
		&config.Events.Webhook.Token,
		&config.Auth.JWTKey,
	}
	for _, f := range fields {
		if !strings.HasPrefix(*f, secretPrefix) {
			continue
		}
		name := strings.TrimPrefix(*f, secretPrefix)
		val, err := resolve(ctx, name)
		if err != nil {
			return fmt.Errorf("解析 secret %q 失败: %w", name, err)
		}
		*f = val
	}
	return nil
}

// replaceEnvVars 替换形如 "${ENV}" 的值
func replaceEnvVars(config *Config) {
	fields := []*string{
		&config.StateStore.Fast.Password,
		&config.StateStore.Durable.DSN,
		&config.Events.Webhook.Token,
		&config.Auth.JWTKey,
		&config.Secrets.Vault.Token,
	}
	for _, f := range fields {
		if strings.HasPrefix(*f, "${") && strings.HasSuffix(*f, "}") {
			envVar := strings.TrimSuffix(strings.TrimPrefix(*f, "${"), "}")
			if val := os.Getenv(envVar); val != "" {
				*f = val
			}
		}
	}
}

// Duration 解析时长字符串；为空或非法时返回 def
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
