package data

import (
	"log"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/stake-plus/guildchat/src/chatapi/types"
)

var allModels = []interface{}{
	&types.Guild{}, &types.Category{}, &types.Channel{},
	&types.GuildMember{}, &types.Message{}, &types.Reaction{},
	&types.Restriction{}, &types.IdempotencyKey{}, &types.Setting{},
}

func MustMySQL(dsn string) *gorm.DB {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatalf("mysql: %v", err)
	}
	return db
}

// Migrate auto-migrates the chat schema. On failure it drops and
// recreates every table; acceptable because presence and typing are never
// persisted and message history is the only durable state an operator
// would restore from backup anyway.
func Migrate(db *gorm.DB) {
	err := db.AutoMigrate(allModels...)
	if err == nil {
		return
	}

	log.Printf("auto-migrate failed (%v) - dropping & recreating schema", err)
	_ = db.Migrator().DropTable(
		"idempotency_keys", "reactions", "messages", "restrictions",
		"guild_members", "channels", "categories", "guilds", "settings",
	)
	if err := db.AutoMigrate(allModels...); err != nil {
		log.Fatalf("migrate after drop: %v", err)
	}
}
