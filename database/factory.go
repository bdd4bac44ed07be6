package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// NewDatabase 根据配置创建数据库实例
func NewDatabase(config *DBConfig) (Database, error) {
	if config == nil {
		return nil, fmt.Errorf("database config is nil")
	}

	// sqlite 需要先保证目录存在
	if config.Type == "sqlite" {
		dir := filepath.Dir(config.DSN)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	if config.MaxOpenConns <= 0 {
		config.MaxOpenConns = 10
	}
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = 5
	}
	if config.ConnMaxLifetime <= 0 {
		config.ConnMaxLifetime = time.Hour
	}

	return NewGormDatabase(config)
}
