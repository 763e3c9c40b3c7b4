package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
desk:
  namespace: desk
  broker_dir: /tmp/broker
database:
  type: sqlite
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.Desk.Namespace != "desk" {
		t.Errorf("命名空间应保留配置值, 实际 %s", cfg.Desk.Namespace)
	}
	if cfg.Database.DSN != "./data/equiledger.db" {
		t.Errorf("期望默认 DSN, 实际 %s", cfg.Database.DSN)
	}
	if cfg.Reconcile.OpenOrdersInterval != 30 {
		t.Errorf("期望默认挂单对账间隔 30, 实际 %d", cfg.Reconcile.OpenOrdersInterval)
	}
	if cfg.Recovery.MaxAttempts != 3 {
		t.Errorf("期望默认补单上限 3, 实际 %d", cfg.Recovery.MaxAttempts)
	}
	if cfg.Metrics.Listen != ":9105" {
		t.Errorf("期望默认指标监听 :9105, 实际 %s", cfg.Metrics.Listen)
	}
	if cfg.DistributedLock.Type != "file" {
		t.Errorf("期望默认文件锁, 实际 %s", cfg.DistributedLock.Type)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("默认配置验证失败: %v", err)
	}

	badDB := &Config{}
	badDB.applyDefaults()
	badDB.Database.Type = "oracle"
	if err := badDB.Validate(); err == nil {
		t.Error("不支持的数据库类型应该报错")
	}

	badLock := &Config{}
	badLock.applyDefaults()
	badLock.DistributedLock.Type = "zookeeper"
	if err := badLock.Validate(); err == nil {
		t.Error("不支持的锁类型应该报错")
	}

	badDeviation := &Config{}
	badDeviation.applyDefaults()
	badDeviation.Recovery.MaxPriceDeviation = 1.5
	if err := badDeviation.Validate(); err == nil {
		t.Error("偏离比例超过 1 应该报错")
	}

	badWorker := &Config{}
	badWorker.applyDefaults()
	badWorker.Cancel.WorkerTimeout = 600
	if err := badWorker.Validate(); err == nil {
		t.Error("工作进程超时超过 300 秒应该报错")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("缺失的配置文件应该报错")
	}
}
