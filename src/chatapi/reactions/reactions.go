package reactions

import (
	"context"
	"errors"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/dispatch"
	"github.com/stake-plus/guildchat/src/chatapi/restrict"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

// Group is the per-emoji aggregate for one message: count plus the
// reacting users in the order they reacted.
type Group struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []uint64 `json:"users"`
}

type Service struct {
	db     *gorm.DB
	dir    *directory.Directory
	engine *restrict.Engine
	hub    *dispatch.Hub
}

func New(db *gorm.DB, dir *directory.Directory, engine *restrict.Engine, hub *dispatch.Hub) *Service {
	return &Service{db: db, dir: dir, engine: engine, hub: hub}
}

// Toggle adds the (message, user, emoji) reaction, or removes it if it
// already exists. Gated on canRead only: a muted user may still react,
// a blind or banned user may not. Returns the updated aggregate.
func (s *Service) Toggle(ctx context.Context, messageID, userID uint64, emoji string) ([]Group, error) {
	if emoji == "" || utf8.RuneCountInString(emoji) > 16 {
		return nil, types.Validationf("invalid emoji")
	}

	var msg types.Message
	if err := s.db.First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("message %d not found", messageID)
		}
		return nil, types.Transient("load message", err)
	}
	if msg.Deleted() {
		return nil, types.Conflictf("cannot react to a deleted message")
	}

	acc, err := s.engine.Evaluate(userID, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if !acc.CanRead {
		return nil, types.ModerationBlocked(acc.Blocking)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
			Delete(&types.Reaction{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&types.Reaction{
			MessageID: messageID,
			UserID:    userID,
			Emoji:     emoji,
		}).Error
	})
	if err != nil {
		return nil, types.Transient("toggle reaction", err)
	}

	groups, err := s.Aggregate(messageID)
	if err != nil {
		return nil, err
	}

	if ch, cerr := s.dir.Channel(msg.ChannelID); cerr == nil {
		s.hub.Publish(dispatch.Event{
			Type:      dispatch.EventReactionChanged,
			GuildID:   ch.GuildID,
			ChannelID: msg.ChannelID,
			Payload: map[string]any{
				"message_id": messageID,
				"reactions":  groups,
			},
		})
	}
	return groups, nil
}

// Aggregate groups a message's reactions by emoji, emoji groups ordered
// by first reaction, members in reaction order.
func (s *Service) Aggregate(messageID uint64) ([]Group, error) {
	var rows []types.Reaction
	err := s.db.Where("message_id = ?", messageID).
		Order("id asc").
		Find(&rows).Error
	if err != nil {
		return nil, types.Transient("load reactions", err)
	}

	groups := []Group{}
	index := make(map[string]int)
	for _, r := range rows {
		i, ok := index[r.Emoji]
		if !ok {
			i = len(groups)
			index[r.Emoji] = i
			groups = append(groups, Group{Emoji: r.Emoji})
		}
		groups[i].Count++
		groups[i].Users = append(groups[i].Users, r.UserID)
	}
	return groups, nil
}
