package messages

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"gorm.io/gorm"

	"github.com/stake-plus/guildchat/src/chatapi/data"
	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/dispatch"
	"github.com/stake-plus/guildchat/src/chatapi/restrict"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

const (
	// DefaultMaxContentLen caps message content in runes. Overridable via
	// the max_message_len setting.
	DefaultMaxContentLen = 2000

	// replySnippetLen bounds the parent content echoed in reply snapshots.
	replySnippetLen = 80

	idempotencyTTL = 24 * time.Hour
)

type Store struct {
	db        *gorm.DB
	dir       *directory.Directory
	engine    *restrict.Engine
	hub       *dispatch.Hub
	sanitizer *bluemonday.Policy

	// Per-channel append locks: sequence assignment must be linearizable
	// per channel.
	chanMu sync.Mutex
	chans  map[uint64]*sync.Mutex
}

func NewStore(db *gorm.DB, dir *directory.Directory, engine *restrict.Engine, hub *dispatch.Hub) *Store {
	// Strict sanitizer for markdown-ish content
	sanitizer := bluemonday.StrictPolicy()
	sanitizer.AllowElements("p", "br", "strong", "em", "code", "pre", "blockquote")
	sanitizer.AllowElements("ul", "ol", "li")
	sanitizer.AllowAttrs("href").OnElements("a")
	sanitizer.RequireParseableURLs(true)
	sanitizer.RequireNoFollowOnLinks(true)

	return &Store{
		db:        db,
		dir:       dir,
		engine:    engine,
		hub:       hub,
		sanitizer: sanitizer,
		chans:     make(map[uint64]*sync.Mutex),
	}
}

func (s *Store) channelLock(channelID uint64) *sync.Mutex {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	mu, ok := s.chans[channelID]
	if !ok {
		mu = &sync.Mutex{}
		s.chans[channelID] = mu
	}
	return mu
}

func (s *Store) maxContentLen() int {
	return data.GetSettingInt("max_message_len", DefaultMaxContentLen)
}

func (s *Store) cleanContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", types.Validationf("content must not be empty")
	}
	if !utf8.ValidString(content) {
		return "", types.Validationf("content is not valid UTF-8")
	}
	if utf8.RuneCountInString(content) > s.maxContentLen() {
		return "", types.Validationf("content exceeds %d characters", s.maxContentLen())
	}
	content = strings.TrimSpace(s.sanitizer.Sanitize(content))
	if content == "" {
		return "", types.Validationf("content empty after sanitization")
	}
	return content, nil
}

type SendInput struct {
	ChannelID uint64
	AuthorID  uint64
	Content   string
	ReplyToID *uint64
	// IdempotencyKey makes retried submissions collapse to one stored
	// message. Optional.
	IdempotencyKey string
}

// Send appends a message to the channel log. The restriction gate runs
// first; sequence assignment and the idempotency check run under the
// channel append lock.
func (s *Store) Send(ctx context.Context, in SendInput) (*types.Message, error) {
	content, err := s.cleanContent(in.Content)
	if err != nil {
		return nil, err
	}
	if len(in.IdempotencyKey) > 64 {
		return nil, types.Validationf("idempotency key too long")
	}

	ch, err := s.dir.Channel(in.ChannelID)
	if err != nil {
		return nil, err
	}

	acc, err := s.engine.Evaluate(in.AuthorID, in.ChannelID)
	if err != nil {
		return nil, err
	}
	if !acc.CanSend {
		return nil, types.ModerationBlocked(acc.Blocking)
	}

	mu := s.channelLock(in.ChannelID)
	mu.Lock()
	defer mu.Unlock()

	if in.IdempotencyKey != "" {
		if prev := s.replayIdempotent(in.AuthorID, in.ChannelID, in.IdempotencyKey); prev != nil {
			return prev, nil
		}
	}

	var msg types.Message
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if in.ReplyToID != nil {
			if err := validateReply(tx, in.ChannelID, *in.ReplyToID); err != nil {
				return err
			}
		}

		var lastSeq uint64
		row := tx.Model(&types.Message{}).
			Where("channel_id = ?", in.ChannelID).
			Select("COALESCE(MAX(channel_seq), 0)").Row()
		if err := row.Scan(&lastSeq); err != nil {
			return err
		}

		msg = types.Message{
			ChannelID:  in.ChannelID,
			ChannelSeq: lastSeq + 1,
			AuthorID:   in.AuthorID,
			Content:    content,
			ReplyToID:  in.ReplyToID,
			CreatedAt:  time.Now(),
		}
		if err := tx.Create(&msg).Error; err != nil {
			return err
		}

		if in.IdempotencyKey != "" {
			return tx.Create(&types.IdempotencyKey{
				UserID:    in.AuthorID,
				ChannelID: in.ChannelID,
				Key:       in.IdempotencyKey,
				MessageID: msg.ID,
				ExpiresAt: time.Now().Add(idempotencyTTL),
			}).Error
		}
		return nil
	})
	if err != nil {
		var typed *types.Error
		if errors.As(err, &typed) {
			return nil, typed
		}
		return nil, types.Transient("store message", err)
	}

	s.hub.Publish(dispatch.Event{
		Type:      dispatch.EventMessageCreated,
		GuildID:   ch.GuildID,
		ChannelID: in.ChannelID,
		Payload:   s.view(&msg, in.AuthorID, types.RoleMember),
	})
	return &msg, nil
}

// ChannelOf resolves the channel a message belongs to.
func (s *Store) ChannelOf(messageID uint64) (types.Channel, error) {
	var msg types.Message
	if err := s.db.Select("channel_id").First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Channel{}, types.NotFoundf("message %d not found", messageID)
		}
		return types.Channel{}, types.Transient("load message", err)
	}
	return s.dir.Channel(msg.ChannelID)
}

func (s *Store) replayIdempotent(userID, channelID uint64, key string) *types.Message {
	var idem types.IdempotencyKey
	err := s.db.
		Where("user_id = ? AND channel_id = ? AND `key` = ? AND expires_at > ?",
			userID, channelID, key, time.Now()).
		First(&idem).Error
	if err != nil {
		return nil
	}
	var msg types.Message
	if err := s.db.First(&msg, "id = ?", idem.MessageID).Error; err != nil {
		return nil
	}
	return &msg
}

// validateReply enforces that the parent exists in the same channel and
// is not deleted.
func validateReply(tx *gorm.DB, channelID, replyToID uint64) error {
	var parent types.Message
	if err := tx.First(&parent, "id = ?", replyToID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return types.Validationf("reply target %d not found", replyToID)
		}
		return err
	}
	if parent.ChannelID != channelID {
		return types.Validationf("reply target is in a different channel")
	}
	if parent.Deleted() {
		return types.Validationf("cannot reply to a deleted message")
	}
	return nil
}

// Edit rewrites a message's content. Author only; last write wins, no
// history kept.
func (s *Store) Edit(ctx context.Context, messageID, editorID uint64, newContent string) (*types.Message, error) {
	content, err := s.cleanContent(newContent)
	if err != nil {
		return nil, err
	}

	var msg types.Message
	if err := s.db.First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("message %d not found", messageID)
		}
		return nil, types.Transient("load message", err)
	}
	if msg.AuthorID != editorID {
		return nil, types.Authorizationf("only the author can edit a message")
	}

	// Update and publish under the channel append lock so the edit event
	// cannot pass a concurrent create on the wire.
	mu := s.channelLock(msg.ChannelID)
	mu.Lock()
	defer mu.Unlock()

	if msg.Deleted() {
		return nil, types.Conflictf("message %d is deleted", messageID)
	}

	now := time.Now()
	updates := map[string]interface{}{"content": content, "edited_at": now}
	if err := s.db.WithContext(ctx).Model(&msg).Updates(updates).Error; err != nil {
		return nil, types.Transient("edit message", err)
	}
	msg.Content = content
	msg.EditedAt = &now

	if ch, err := s.dir.Channel(msg.ChannelID); err == nil {
		s.hub.Publish(dispatch.Event{
			Type:      dispatch.EventMessageEdited,
			GuildID:   ch.GuildID,
			ChannelID: msg.ChannelID,
			Payload:   s.view(&msg, editorID, types.RoleMember),
		})
	}
	return &msg, nil
}

// Delete soft-deletes a message. The row keeps its sequence slot so
// pagination cursors stay valid; viewers see a placeholder instead of
// content.
func (s *Store) Delete(ctx context.Context, messageID uint64, actor restrict.Actor) (*types.Message, error) {
	var msg types.Message
	if err := s.db.First(&msg, "id = ?", messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("message %d not found", messageID)
		}
		return nil, types.Transient("load message", err)
	}
	if msg.AuthorID != actor.UserID && actor.Role.Rank() < types.RoleModerator.Rank() {
		return nil, types.Authorizationf("only the author or a moderator can delete a message")
	}

	// Same ordering discipline as Edit: the delete event is published
	// under the channel append lock.
	mu := s.channelLock(msg.ChannelID)
	mu.Lock()
	defer mu.Unlock()

	if msg.Deleted() {
		return nil, types.Conflictf("message %d already deleted", messageID)
	}

	now := time.Now()
	updates := map[string]interface{}{"deleted_at": now, "deleted_by": actor.UserID}
	if err := s.db.WithContext(ctx).Model(&msg).Updates(updates).Error; err != nil {
		return nil, types.Transient("delete message", err)
	}
	msg.DeletedAt = &now
	msg.DeletedBy = &actor.UserID

	if ch, err := s.dir.Channel(msg.ChannelID); err == nil {
		s.hub.Publish(dispatch.Event{
			Type:      dispatch.EventMessageDeleted,
			GuildID:   ch.GuildID,
			ChannelID: msg.ChannelID,
			Payload:   s.view(&msg, 0, types.RoleMember),
		})
	}
	return &msg, nil
}
