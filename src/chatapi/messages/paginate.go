package messages

import (
	"time"
	"unicode/utf8"

	"github.com/stake-plus/guildchat/src/chatapi/types"
)

// ReplySnapshot is the lightweight parent reference rendered with a
// reply. Resolved at read time so parent edits and deletions show
// through.
type ReplySnapshot struct {
	ID       uint64 `json:"id"`
	AuthorID uint64 `json:"author_id"`
	Content  string `json:"content"`
	Deleted  bool   `json:"deleted"`
}

// View is a message as one viewer sees it: deleted messages keep their
// slot but carry no content unless the viewer owns them or moderates.
type View struct {
	ID        uint64         `json:"id"`
	ChannelID uint64         `json:"channel_id"`
	Seq       uint64         `json:"seq"`
	AuthorID  uint64         `json:"author_id"`
	Content   string         `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
	EditedAt  *time.Time     `json:"edited_at,omitempty"`
	Deleted   bool           `json:"deleted"`
	DeletedBy *uint64        `json:"deleted_by,omitempty"`
	ReplyTo   *ReplySnapshot `json:"reply_to,omitempty"`
}

type Page struct {
	Messages []View `json:"messages"`
	HasMore  bool   `json:"has_more"`
}

// Paginate returns the limit most recent messages strictly older than
// cursor (cursor 0 = from the head), ascending for display. The
// restriction gate runs before any row is materialized: a blind or
// banned user gets a moderation error, never an empty page.
func (s *Store) Paginate(viewerID uint64, viewerRole types.Role, channelID uint64, cursor uint64, limit int) (*Page, error) {
	if limit <= 0 || limit > 100 {
		return nil, types.Validationf("limit must be between 1 and 100")
	}
	if _, err := s.dir.Channel(channelID); err != nil {
		return nil, err
	}

	acc, err := s.engine.Evaluate(viewerID, channelID)
	if err != nil {
		return nil, err
	}
	if !acc.CanRead {
		return nil, types.ModerationBlocked(acc.Blocking)
	}

	q := s.db.Where("channel_id = ?", channelID)
	if cursor > 0 {
		q = q.Where("channel_seq < ?", cursor)
	}

	// Fetch one extra row to learn whether older messages remain.
	var rows []types.Message
	if err := q.Order("channel_seq desc").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, types.Transient("paginate messages", err)
	}

	page := &Page{Messages: []View{}}
	if len(rows) > limit {
		page.HasMore = true
		rows = rows[:limit]
	}

	// Reverse to ascending display order.
	for i := len(rows) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, s.view(&rows[i], viewerID, viewerRole))
	}
	return page, nil
}

// Get returns a single message as seen by the viewer, gated like a page.
func (s *Store) Get(viewerID uint64, viewerRole types.Role, messageID uint64) (*View, error) {
	var msg types.Message
	if err := s.db.First(&msg, "id = ?", messageID).Error; err != nil {
		return nil, types.NotFoundf("message %d not found", messageID)
	}
	acc, err := s.engine.Evaluate(viewerID, msg.ChannelID)
	if err != nil {
		return nil, err
	}
	if !acc.CanRead {
		return nil, types.ModerationBlocked(acc.Blocking)
	}
	v := s.view(&msg, viewerID, viewerRole)
	return &v, nil
}

// Render converts a stored message into the viewer's projection.
func (s *Store) Render(msg *types.Message, viewerID uint64, viewerRole types.Role) View {
	return s.view(msg, viewerID, viewerRole)
}

func (s *Store) view(msg *types.Message, viewerID uint64, viewerRole types.Role) View {
	v := View{
		ID:        msg.ID,
		ChannelID: msg.ChannelID,
		Seq:       msg.ChannelSeq,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
		EditedAt:  msg.EditedAt,
	}
	if msg.Deleted() {
		v.Deleted = true
		v.DeletedBy = msg.DeletedBy
		// Content stays visible to the author and moderators for audit.
		if viewerID != msg.AuthorID && viewerRole.Rank() < types.RoleModerator.Rank() {
			v.Content = ""
		}
	}
	if msg.ReplyToID != nil {
		v.ReplyTo = s.replySnapshot(*msg.ReplyToID)
	}
	return v
}

func (s *Store) replySnapshot(parentID uint64) *ReplySnapshot {
	var parent types.Message
	if err := s.db.First(&parent, "id = ?", parentID).Error; err != nil {
		return nil
	}
	snap := &ReplySnapshot{ID: parent.ID, AuthorID: parent.AuthorID}
	if parent.Deleted() {
		snap.Deleted = true
		return snap
	}
	snap.Content = truncate(parent.Content, replySnippetLen)
	return snap
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
