// Package testutil provides shared fixtures for package tests: a
// temp-file sqlite database migrated with the chat schema and a seeded
// guild with channels and members across every role.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stake-plus/guildchat/src/chatapi/types"
)

// Seeded ids, fixed so tests read naturally.
const (
	GuildID    uint64 = 1
	GeneralID  uint64 = 1
	OffTopicID uint64 = 2
	VIPID      uint64 = 3

	AdminID   uint64 = 1
	ModID     uint64 = 2
	CoachID   uint64 = 3
	MemberA   uint64 = 10
	MemberB   uint64 = 11
	OutsiderC uint64 = 12
)

func OpenDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("sqlite open: %v", err)
	}
	err = db.AutoMigrate(
		&types.Guild{}, &types.Category{}, &types.Channel{},
		&types.GuildMember{}, &types.Message{}, &types.Reaction{},
		&types.Restriction{}, &types.IdempotencyKey{}, &types.Setting{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// SeedGuild creates one guild with #general, #off-topic and #vip plus a
// member of each role.
func SeedGuild(t *testing.T, db *gorm.DB) {
	t.Helper()
	now := time.Now()

	rows := []interface{}{
		&types.Guild{ID: GuildID, Name: "testguild", CreatedAt: now},
		&types.Category{ID: 1, GuildID: GuildID, Name: "Text", Position: 0},
		&types.Channel{ID: GeneralID, GuildID: GuildID, CategoryID: ptr(uint64(1)), Name: "general", Position: 0},
		&types.Channel{ID: OffTopicID, GuildID: GuildID, CategoryID: ptr(uint64(1)), Name: "off-topic", Position: 1},
		&types.Channel{ID: VIPID, GuildID: GuildID, Name: "vip", Private: true, Position: 2},
		&types.GuildMember{GuildID: GuildID, UserID: AdminID, Role: types.RoleAdmin, JoinedAt: now},
		&types.GuildMember{GuildID: GuildID, UserID: ModID, Role: types.RoleModerator, JoinedAt: now},
		&types.GuildMember{GuildID: GuildID, UserID: CoachID, Role: types.RoleCoach, JoinedAt: now},
		&types.GuildMember{GuildID: GuildID, UserID: MemberA, Role: types.RoleMember, JoinedAt: now},
		&types.GuildMember{GuildID: GuildID, UserID: MemberB, Role: types.RoleMember, JoinedAt: now},
	}
	for _, row := range rows {
		if err := db.Create(row).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func ptr[T any](v T) *T { return &v }
