// internal/pkg/config/config.go
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------
// 配置来源优先级: 结构体 default 标签 < 环境变量 < CONFIG_FILE 指定的 yaml 文件
// -----------------------------------------------------------------------------

type Config struct {
	App       AppConfig       `yaml:"app"`
	Log       LogConfig       `yaml:"log"`
	Infra     InfraConfig     `yaml:"infra"`
	Gate      GateConfig      `yaml:"gate"`
	Committer CommitterConfig `yaml:"committer"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type AppConfig struct {
	ServiceName string `envconfig:"SERVICE_NAME" default:"coupon-service" yaml:"serviceName"`
	Port        int    `envconfig:"HTTP_PORT" default:"8080" yaml:"port"`
	// EnableCommitter / EnableReconciler 允许把网关与消费者拆成不同进程部署
	EnableCommitter  bool `envconfig:"ENABLE_COMMITTER" default:"true" yaml:"enableCommitter"`
	EnableReconciler bool `envconfig:"ENABLE_RECONCILER" default:"true" yaml:"enableReconciler"`
}

type LogConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false" yaml:"pretty"`
}

type InfraConfig struct {
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
}

type RedisConfig struct {
	Addrs    string `envconfig:"REDIS_ADDRS" default:"localhost:6379" yaml:"addrs"`
	Password string `envconfig:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `envconfig:"REDIS_DB" default:"0" yaml:"db"`
	PoolSize int    `envconfig:"REDIS_POOL_SIZE" default:"200" yaml:"poolSize"`
}

type KafkaConfig struct {
	Brokers       string `envconfig:"KAFKA_BROKERS" default:"localhost:9092" yaml:"brokers"`
	IssuanceTopic string `envconfig:"KAFKA_ISSUANCE_TOPIC" default:"coupon-issuance" yaml:"issuanceTopic"`
	GroupID       string `envconfig:"KAFKA_COMMITTER_GROUP" default:"coupon-committer" yaml:"groupId"`
	DltGroupID    string `envconfig:"KAFKA_DLT_GROUP" default:"coupon-dlt-monitor" yaml:"dltGroupId"`
}

type MySQLConfig struct {
	Host         string        `envconfig:"MYSQL_HOST" default:"localhost" yaml:"host"`
	Port         string        `envconfig:"MYSQL_PORT" default:"3306" yaml:"port"`
	User         string        `envconfig:"MYSQL_USER" default:"root" yaml:"user"`
	Password     string        `envconfig:"MYSQL_PASSWORD" yaml:"password"`
	DBName       string        `envconfig:"MYSQL_DATABASE" default:"coupon" yaml:"dbName"`
	MaxOpenConns int           `envconfig:"MYSQL_MAX_OPEN_CONNS" default:"50" yaml:"maxOpenConns"`
	MaxIdleConns int           `envconfig:"MYSQL_MAX_IDLE_CONNS" default:"10" yaml:"maxIdleConns"`
	ConnMaxLife  time.Duration `envconfig:"MYSQL_CONN_MAX_LIFETIME" default:"30m" yaml:"connMaxLifetime"`
}

type JaegerConfig struct {
	Endpoint string `envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces" yaml:"endpoint"`
}

type NacosConfig struct {
	// 为空时不注册到 Nacos
	ServerAddrs string `envconfig:"NACOS_SERVER_ADDRS" yaml:"serverAddrs"`
	Namespace   string `envconfig:"NACOS_NAMESPACE" yaml:"namespace"`
	Group       string `envconfig:"NACOS_GROUP" default:"DEFAULT_GROUP" yaml:"group"`
}

type ZookeeperConfig struct {
	Servers string `envconfig:"ZK_SERVERS" default:"localhost:2181" yaml:"servers"`
}

type GateConfig struct {
	Timeout time.Duration `envconfig:"GATE_TIMEOUT" default:"200ms" yaml:"timeout"`
}

type CommitterConfig struct {
	BaseBackoff time.Duration `envconfig:"COMMIT_BASE_BACKOFF" default:"100ms" yaml:"baseBackoff"`
	MaxBackoff  time.Duration `envconfig:"COMMIT_MAX_BACKOFF" default:"5s" yaml:"maxBackoff"`
	MaxAttempts int           `envconfig:"COMMIT_MAX_ATTEMPTS" default:"5" yaml:"maxAttempts"`
	Workers     int           `envconfig:"COMMITTER_WORKERS" default:"1" yaml:"workers"`
}

type ReconcileConfig struct {
	Interval       time.Duration `envconfig:"RECONCILE_INTERVAL" default:"30s" yaml:"interval"`
	AbandonAfter   time.Duration `envconfig:"RECONCILE_ABANDON_AFTER" default:"2m" yaml:"abandonAfter"`
	DriftTolerance int64         `envconfig:"RECONCILE_DRIFT_TOLERANCE" default:"0" yaml:"driftTolerance"`
	// LockBackend 取值 redis 或 zookeeper
	LockBackend string        `envconfig:"RECONCILE_LOCK_BACKEND" default:"redis" yaml:"lockBackend"`
	LockTTL     time.Duration `envconfig:"RECONCILE_LOCK_TTL" default:"1m" yaml:"lockTTL"`
}

type HTTPConfig struct {
	// RateLimit 为每秒允许进入的请求数，0 表示不限流
	RateLimit float64 `envconfig:"HTTP_RATE_LIMIT" default:"0" yaml:"rateLimit"`
	RateBurst int     `envconfig:"HTTP_RATE_BURST" default:"1000" yaml:"rateBurst"`
}

// FormatDSN 生成 gorm mysql 驱动使用的 DSN
func (c MySQLConfig) FormatDSN() string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, c.Port)
	mc.DBName = c.DBName
	mc.ParseTime = true
	mc.Loc = time.Local
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Load 先处理环境变量，再用 CONFIG_FILE 指向的 yaml 文件覆盖
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) overlayFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate 检查彼此关联的配置项
func (c *Config) Validate() error {
	if c.Committer.MaxAttempts < 1 {
		return fmt.Errorf("COMMIT_MAX_ATTEMPTS must be >= 1, got %d", c.Committer.MaxAttempts)
	}
	if c.Committer.Workers < 1 {
		return fmt.Errorf("COMMITTER_WORKERS must be >= 1, got %d", c.Committer.Workers)
	}
	if c.Committer.BaseBackoff > c.Committer.MaxBackoff {
		return fmt.Errorf("COMMIT_BASE_BACKOFF (%s) exceeds COMMIT_MAX_BACKOFF (%s)", c.Committer.BaseBackoff, c.Committer.MaxBackoff)
	}
	if c.Gate.Timeout <= 0 {
		return fmt.Errorf("GATE_TIMEOUT must be positive")
	}
	if c.Reconcile.DriftTolerance < 0 {
		return fmt.Errorf("RECONCILE_DRIFT_TOLERANCE must not be negative")
	}
	switch c.Reconcile.LockBackend {
	case "redis", "zookeeper":
	default:
		return fmt.Errorf("unknown RECONCILE_LOCK_BACKEND %q", c.Reconcile.LockBackend)
	}
	return nil
}

// NewTestConfig 返回测试用的配置，所有等待时间都很短
func NewTestConfig() *Config {
	return &Config{
		App: AppConfig{ServiceName: "coupon-service-test", Port: 18080, EnableCommitter: true, EnableReconciler: true},
		Log: LogConfig{Level: "error"},
		Gate: GateConfig{
			Timeout: 200 * time.Millisecond,
		},
		Committer: CommitterConfig{
			BaseBackoff: time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
			MaxAttempts: 3,
			Workers:     1,
		},
		Reconcile: ReconcileConfig{
			Interval:     50 * time.Millisecond,
			AbandonAfter: time.Second,
			LockBackend:  "redis",
			LockTTL:      time.Second,
		},
		HTTP: HTTPConfig{RateBurst: 1000},
	}
}
