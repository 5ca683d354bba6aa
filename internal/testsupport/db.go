// Package testsupport provides an in-memory database shaped like the
// production schema.
package testsupport

import (
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenDB opens a fresh in-memory SQLite database with the chat schema.
// Each call gets its own database; shared cache keeps the connection
// pool pointed at the same in-memory store.
func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// The production schema targets Postgres (uuid and jsonb column types,
// uuid_generate_v4 defaults), so the test schema is written out by hand
// rather than auto-migrated.
var schema = []string{
	`CREATE TABLE chat_thread (
		id TEXT PRIMARY KEY,
		user_id TEXT,
		title TEXT NOT NULL DEFAULT 'New Chat',
		summary TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		metadata TEXT NOT NULL DEFAULT '{}',
		last_message_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		deleted_at DATETIME
	)`,
	`CREATE TABLE chat_message (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		user_id TEXT,
		ord INTEGER NOT NULL,
		step_order INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'success',
		tool NUMERIC NOT NULL DEFAULT 0,
		content TEXT NOT NULL DEFAULT '{}',
		text TEXT NOT NULL DEFAULT '',
		embedding_id TEXT,
		file_ids TEXT,
		model TEXT,
		provider TEXT,
		usage_stats TEXT,
		finish_reason TEXT,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		deleted_at DATETIME,
		UNIQUE (thread_id, ord, step_order)
	)`,
	`CREATE TABLE chat_stream (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		ord INTEGER NOT NULL,
		step_order INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'streaming',
		cursor INTEGER NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (thread_id, ord, step_order)
	)`,
	`CREATE TABLE chat_stream_delta (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		start INTEGER NOT NULL,
		end_pos INTEGER NOT NULL,
		parts TEXT NOT NULL DEFAULT '[]',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (stream_id, start)
	)`,
	`CREATE TABLE chat_tool_approval (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		approval_id TEXT NOT NULL,
		tool_call_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		approved NUMERIC NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (thread_id, approval_id)
	)`,
}
