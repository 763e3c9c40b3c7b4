package database

import "fmt"

// NewDatabase 根据配置创建数据库实例
func NewDatabase(config *DBConfig) (Database, error) {
	switch config.Type {
	case "sqlite", "postgres", "postgresql", "mysql":
		return NewGormDatabase(config)
	case "memory":
		return NewMemoryDatabase(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}
}
