package db

import (
	"strings"
	"time"

	"github.com/HasNetwork/chat/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite:"

// IsSQLite 判断 DSN 是否指向 SQLite（形如 sqlite:chat.db 或 sqlite:file::memory:?cache=shared）。
func IsSQLite(dsn string) bool { return strings.HasPrefix(dsn, sqlitePrefix) }

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		// 所有时间戳统一落库为 UTC。
		NowFunc: func() time.Time { return time.Now().UTC() },
	}
}

// Connect 负责建立数据库连接。Postgres 带有简单重试来等待容器就绪；SQLite 限制为单连接，避免写锁冲突。
func Connect(dsn string) (*gorm.DB, error) {
	if IsSQLite(dsn) {
		gdb, err := gorm.Open(sqlite.Open(strings.TrimPrefix(dsn, sqlitePrefix)), gormConfig())
		if err != nil {
			return nil, err
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return gdb, nil
	}

	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), gormConfig())
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Room{},
		&models.Membership{},
		&models.Message{},
		&models.Reaction{},
		&models.SeenReceipt{},
		&models.RefreshToken{},
	)
}
