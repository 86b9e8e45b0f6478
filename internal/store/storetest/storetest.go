// Package storetest 为各包测试提供基于内存 SQLite 的 Store。
package storetest

import (
	"context"
	"strings"
	"testing"

	"github.com/HasNetwork/chat/internal/db"
	"github.com/HasNetwork/chat/internal/models"
	"github.com/HasNetwork/chat/internal/store"
)

// New 打开一个按测试名隔离的内存数据库并完成迁移。
func New(t testing.TB) *store.GormStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	gdb, err := db.Connect("sqlite:file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store.New(gdb)
}

// User 创建测试用户。
func User(t testing.TB, s store.Store, username string) *models.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), username, "hash")
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	return u
}

// Member 创建用户并加入房间。
func Member(t testing.TB, s store.Store, username, room string) *models.User {
	t.Helper()
	u := User(t, s, username)
	if _, err := s.EnsureMembership(context.Background(), u.ID, room); err != nil {
		t.Fatalf("join %s to %s: %v", username, room, err)
	}
	return u
}
