package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 交易台台账系统配置
type Config struct {
	// 交易台配置
	Desk struct {
		Namespace     string `yaml:"namespace"`       // 关联标签命名空间，默认 eqldg
		BrokerDir     string `yaml:"broker_dir"`      // 券商连接进程的数据目录（事件日志、快照、命令目录）
		LeaderPIDFile string `yaml:"leader_pid_file"` // 主进程 PID 文件，用于存活探测
		PaperTrading  bool   `yaml:"paper_trading"`   // 模拟盘模式
	} `yaml:"desk"`

	// 台账数据库配置（支持 SQLite、PostgreSQL、MySQL）
	Database struct {
		Type            string `yaml:"type"`              // 数据库类型: sqlite, postgres, mysql，默认 sqlite
		DSN             string `yaml:"dsn"`               // 数据源名称，默认 ./data/equiledger.db
		MaxOpenConns    int    `yaml:"max_open_conns"`    // 最大打开连接数，默认100
		MaxIdleConns    int    `yaml:"max_idle_conns"`    // 最大空闲连接数，默认10
		ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // 连接最大生命周期（秒），默认3600
		LogLevel        string `yaml:"log_level"`         // 日志级别: silent, error, warn, info，默认 error
	} `yaml:"database"`

	// 历史库配置（对账摘要、日志、系统监控样本）
	History struct {
		Path string `yaml:"path"` // SQLite 文件路径，默认 ./data/history.db
	} `yaml:"history"`

	// 事件摄取配置
	Ingest struct {
		Interval int `yaml:"interval"` // 摄取间隔（秒），默认5
	} `yaml:"ingest"`

	// 对账配置
	Reconcile struct {
		CompletedInterval  int `yaml:"completed_interval"`   // 已完成订单对账间隔（秒），默认60
		OpenOrdersInterval int `yaml:"open_orders_interval"` // 挂单对账间隔（秒），默认30
		PositionsInterval  int `yaml:"positions_interval"`   // 持仓对账间隔（秒），默认120
		MinHistoryInterval int `yaml:"min_history_interval"` // 券商历史查询最小间隔（秒），默认30
		SnapshotStaleAfter int `yaml:"snapshot_stale_after"` // 快照过期阈值（秒），默认120
	} `yaml:"reconcile"`

	// 取消协调配置
	Cancel struct {
		WorkerTimeout    int      `yaml:"worker_timeout"`    // 临时工作进程等待结果超时（秒），默认30
		WorkerCommand    string   `yaml:"worker_command"`    // 临时工作进程可执行文件路径
		FinalizeInterval int      `yaml:"finalize_interval"` // 结果回收间隔（秒），默认15
		ResultDirs       []string `yaml:"result_dirs"`       // 额外的结果目录（主目录自动包含）
		CommandExpiry    int      `yaml:"command_expiry"`    // 取消命令有效期（秒），默认300
	} `yaml:"cancel"`

	// 自动补单配置
	Recovery struct {
		Enabled            bool    `yaml:"enabled"`              // 是否启用，默认true
		SweepInterval      int     `yaml:"sweep_interval"`       // 扫描间隔（秒），默认60
		OrderTimeout       int     `yaml:"order_timeout"`        // NEW 订单滞留阈值（秒），默认300
		MaxAttempts        int     `yaml:"max_attempts"`         // 单个订单最大补单次数，默认3
		MaxPriceDeviation  float64 `yaml:"max_price_deviation"`  // 限价单最大价格偏离比例，默认0.02
		AllowExtendedHours bool    `yaml:"allow_extended_hours"` // 是否允许盘前盘后补单，默认false
		QuoteStaleAfter    int     `yaml:"quote_stale_after"`    // 行情过期阈值（秒），默认60
	} `yaml:"recovery"`

	// 已实现盈亏配置
	PnL struct {
		CacheTTL int `yaml:"cache_ttl"` // 缓存无条件 TTL（秒），默认2
	} `yaml:"pnl"`

	// Prometheus 指标配置
	Metrics struct {
		Enabled bool   `yaml:"enabled"` // 默认true
		Listen  string `yaml:"listen"`  // 监听地址，默认 :9105
	} `yaml:"metrics"`

	// 看门狗配置
	Watchdog struct {
		Enabled        bool `yaml:"enabled"`         // 默认true
		SampleInterval int  `yaml:"sample_interval"` // 采样间隔（秒），默认120
		RetentionDays  int  `yaml:"retention_days"`  // 样本保留天数，默认7
	} `yaml:"watchdog"`

	// 通知配置
	Notifications struct {
		Enabled bool `yaml:"enabled"`
		Webhook struct {
			Enabled bool   `yaml:"enabled"`
			URL     string `yaml:"url"`
		} `yaml:"webhook"`
	} `yaml:"notifications"`

	// 分布式锁配置（多实例部署）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`     // 是否启用分布式锁，默认false（单实例使用文件锁）
		Type       string `yaml:"type"`        // 锁类型: file, redis，默认 file
		Prefix     string `yaml:"prefix"`      // 锁键前缀，默认 "equiledger:lock:"
		Dir        string `yaml:"dir"`         // 文件锁目录，默认 ./data/locks
		DefaultTTL int    `yaml:"default_ttl"` // 默认锁过期时间（秒），默认30

		Redis struct {
			Addr     string `yaml:"addr"`      // Redis 地址，默认 localhost:6379
			Password string `yaml:"password"`  // Redis 密码，默认为空
			DB       int    `yaml:"db"`        // Redis 数据库，默认0
			PoolSize int    `yaml:"pool_size"` // 连接池大小，默认10
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	System struct {
		LogLevel string `yaml:"log_level"` // 日志级别，默认 INFO
		Timezone string `yaml:"timezone"`  // 时区，如 "America/New_York"
		Halted   bool   `yaml:"halted"`    // 全局交易闸门初始状态
	} `yaml:"system"`
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults 填充默认值
func (c *Config) applyDefaults() {
	if c.Desk.Namespace == "" {
		c.Desk.Namespace = "eqldg"
	}
	if c.Desk.BrokerDir == "" {
		c.Desk.BrokerDir = "./data/broker"
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "./data/equiledger.db"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime <= 0 {
		c.Database.ConnMaxLifetime = 3600
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "error"
	}

	if c.History.Path == "" {
		c.History.Path = "./data/history.db"
	}

	if c.Ingest.Interval <= 0 {
		c.Ingest.Interval = 5
	}

	if c.Reconcile.CompletedInterval <= 0 {
		c.Reconcile.CompletedInterval = 60
	}
	if c.Reconcile.OpenOrdersInterval <= 0 {
		c.Reconcile.OpenOrdersInterval = 30
	}
	if c.Reconcile.PositionsInterval <= 0 {
		c.Reconcile.PositionsInterval = 120
	}
	if c.Reconcile.MinHistoryInterval <= 0 {
		c.Reconcile.MinHistoryInterval = 30
	}
	if c.Reconcile.SnapshotStaleAfter <= 0 {
		c.Reconcile.SnapshotStaleAfter = 120
	}

	if c.Cancel.WorkerTimeout <= 0 {
		c.Cancel.WorkerTimeout = 30
	}
	if c.Cancel.FinalizeInterval <= 0 {
		c.Cancel.FinalizeInterval = 15
	}
	if c.Cancel.CommandExpiry <= 0 {
		c.Cancel.CommandExpiry = 300
	}

	if c.Recovery.SweepInterval <= 0 {
		c.Recovery.SweepInterval = 60
	}
	if c.Recovery.OrderTimeout <= 0 {
		c.Recovery.OrderTimeout = 300
	}
	if c.Recovery.MaxAttempts <= 0 {
		c.Recovery.MaxAttempts = 3
	}
	if c.Recovery.MaxPriceDeviation <= 0 {
		c.Recovery.MaxPriceDeviation = 0.02
	}
	if c.Recovery.QuoteStaleAfter <= 0 {
		c.Recovery.QuoteStaleAfter = 60
	}

	if c.PnL.CacheTTL <= 0 {
		c.PnL.CacheTTL = 2
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9105"
	}

	if c.Watchdog.SampleInterval <= 0 {
		c.Watchdog.SampleInterval = 120
	}
	if c.Watchdog.RetentionDays <= 0 {
		c.Watchdog.RetentionDays = 7
	}

	if c.DistributedLock.Type == "" {
		c.DistributedLock.Type = "file"
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "equiledger:lock:"
	}
	if c.DistributedLock.Dir == "" {
		c.DistributedLock.Dir = "./data/locks"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 30
	}
	if c.DistributedLock.Redis.Addr == "" {
		c.DistributedLock.Redis.Addr = "localhost:6379"
	}
	if c.DistributedLock.Redis.PoolSize <= 0 {
		c.DistributedLock.Redis.PoolSize = 10
	}

	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "America/New_York"
	}
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite", "postgres", "postgresql", "mysql", "memory":
	default:
		return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
	}

	switch c.DistributedLock.Type {
	case "file", "redis":
	default:
		return fmt.Errorf("不支持的锁类型: %s", c.DistributedLock.Type)
	}

	if c.Recovery.MaxPriceDeviation >= 1 {
		return fmt.Errorf("max_price_deviation 必须小于 1（比例值），得到 %.2f", c.Recovery.MaxPriceDeviation)
	}

	if c.Cancel.WorkerTimeout > 300 {
		return fmt.Errorf("worker_timeout 不应超过 300 秒，得到 %d", c.Cancel.WorkerTimeout)
	}

	return nil
}
