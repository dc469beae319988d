// Package directory serves channel, category and membership reference
// data. CRUD for these rows belongs to the admin surface, not this
// service; the chat core only reads them.
package directory

import (
	"errors"

	"gorm.io/gorm"

	"github.com/stake-plus/guildchat/src/chatapi/types"
)

type Directory struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

// ListChannels returns the guild's channels ordered by category position
// grouping, then channel position, insertion order breaking ties.
func (d *Directory) ListChannels(guildID uint64) ([]types.Channel, error) {
	var chans []types.Channel
	err := d.db.Where("guild_id = ?", guildID).
		Order("category_id asc").Order("position asc").Order("id asc").
		Find(&chans).Error
	if err != nil {
		return nil, types.Transient("list channels", err)
	}
	return chans, nil
}

func (d *Directory) ListCategories(guildID uint64) ([]types.Category, error) {
	var cats []types.Category
	err := d.db.Where("guild_id = ?", guildID).
		Order("position asc").Order("id asc").
		Find(&cats).Error
	if err != nil {
		return nil, types.Transient("list categories", err)
	}
	return cats, nil
}

func (d *Directory) Channel(id uint64) (types.Channel, error) {
	var ch types.Channel
	err := d.db.First(&ch, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ch, types.NotFoundf("channel %d not found", id)
	}
	if err != nil {
		return ch, types.Transient("load channel", err)
	}
	return ch, nil
}

// MemberRole looks up a user's role within a guild. Users without a
// membership row rank as plain members for hierarchy checks.
func (d *Directory) MemberRole(guildID, userID uint64) types.Role {
	var m types.GuildMember
	if err := d.db.First(&m, "guild_id = ? AND user_id = ?", guildID, userID).Error; err != nil {
		return types.RoleMember
	}
	return m.Role
}
