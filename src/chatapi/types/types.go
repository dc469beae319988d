package types

import "time"

// Guild member roles, weakest to strongest.
type Role string

const (
	RoleMember    Role = "MEMBER"
	RoleSupport   Role = "SUPPORT"
	RoleCoach     Role = "COACH"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
)

var roleRank = map[Role]int{
	RoleMember:    0,
	RoleSupport:   1,
	RoleCoach:     2,
	RoleModerator: 3,
	RoleAdmin:     4,
}

// Rank returns the position of the role in the hierarchy. Unknown roles
// rank as MEMBER.
func (r Role) Rank() int {
	return roleRank[r]
}

// CanModerate reports whether the role may issue or lift restrictions at all.
func (r Role) CanModerate() bool {
	return r.Rank() >= roleRank[RoleCoach]
}

type RestrictionType string

const (
	RestrictionMute  RestrictionType = "MUTE"
	RestrictionBlind RestrictionType = "BLIND"
	RestrictionBan   RestrictionType = "BAN"
)

func (t RestrictionType) Valid() bool {
	return t == RestrictionMute || t == RestrictionBlind || t == RestrictionBan
}

type RestrictionScope string

const (
	ScopeGuild   RestrictionScope = "GUILD"
	ScopeChannel RestrictionScope = "CHANNEL"
)

func (s RestrictionScope) Valid() bool {
	return s == ScopeGuild || s == ScopeChannel
}

// Guilds (communities)
type Guild struct {
	ID        uint64 `gorm:"primaryKey"`
	Name      string `gorm:"size:64;not null"`
	CreatedAt time.Time
}

// Channel categories; position orders them within the guild sidebar.
type Category struct {
	ID        uint64 `gorm:"primaryKey"`
	GuildID   uint64 `gorm:"index;not null"`
	Name      string `gorm:"size:64;not null"`
	Position  int    `gorm:"not null;default:0"`
	CreatedAt time.Time
}

// Channels. CategoryID is nullable: deleting a category leaves its
// channels uncategorized. Position is scoped to the (guild, category) group.
type Channel struct {
	ID         uint64  `gorm:"primaryKey"`
	GuildID    uint64  `gorm:"index;not null"`
	CategoryID *uint64 `gorm:"index"`
	Name       string  `gorm:"size:64;not null"`
	Private    bool    `gorm:"default:false"`
	Position   int     `gorm:"not null;default:0"`
	CreatedAt  time.Time
}

// Guild membership with the member's role. Identity and session handling
// live outside this service; this row only records the role used for
// moderation hierarchy checks.
type GuildMember struct {
	GuildID  uint64 `gorm:"primaryKey;autoIncrement:false"`
	UserID   uint64 `gorm:"primaryKey;autoIncrement:false"`
	Role     Role   `gorm:"size:16;not null;default:MEMBER"`
	JoinedAt time.Time
}

// Messages. ChannelSeq is a channel-scoped monotonic sequence assigned
// under the channel append lock; it defines display and pagination order.
// Soft deletes keep the row (and its seq) for audit and cursor stability.
type Message struct {
	ID         uint64  `gorm:"primaryKey"`
	ChannelID  uint64  `gorm:"uniqueIndex:ux_channel_seq,priority:1;not null"`
	ChannelSeq uint64  `gorm:"uniqueIndex:ux_channel_seq,priority:2;not null"`
	AuthorID   uint64  `gorm:"index;not null"`
	Content    string  `gorm:"type:text;not null"`
	ReplyToID  *uint64 `gorm:"index"`
	CreatedAt  time.Time
	EditedAt   *time.Time
	DeletedAt  *time.Time
	DeletedBy  *uint64
}

func (m *Message) Deleted() bool { return m.DeletedAt != nil }

// Reactions, unique per (message, user, emoji). Re-adding the same triple
// toggles it off.
type Reaction struct {
	ID        uint64 `gorm:"primaryKey"`
	MessageID uint64 `gorm:"uniqueIndex:ux_msg_user_emoji,priority:1;not null"`
	UserID    uint64 `gorm:"uniqueIndex:ux_msg_user_emoji,priority:2;not null"`
	Emoji     string `gorm:"uniqueIndex:ux_msg_user_emoji,priority:3;size:32;not null"`
	CreatedAt time.Time
}

// Restrictions. ExpiresAt nil means permanent. A superseded row was
// replaced by a newer restriction of the same (target, type, scope,
// channel) tuple and is kept for audit only. LiftedAt records an explicit
// lift by a moderator.
type Restriction struct {
	ID         uint64           `gorm:"primaryKey"`
	GuildID    uint64           `gorm:"index;not null"`
	TargetID   uint64           `gorm:"index;not null"`
	Type       RestrictionType  `gorm:"size:8;not null"`
	Scope      RestrictionScope `gorm:"size:8;not null"`
	ChannelID  *uint64          `gorm:"index"`
	IssuedBy   uint64           `gorm:"not null"`
	Reason     string           `gorm:"size:255"`
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	Superseded bool `gorm:"default:false"`
	LiftedAt   *time.Time
}

// ActiveAt reports whether the restriction is in force at t.
func (r *Restriction) ActiveAt(t time.Time) bool {
	if r.Superseded || r.LiftedAt != nil {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(t)
}

// AppliesTo reports whether the restriction covers the given channel.
// Guild-scope restrictions cover every channel.
func (r *Restriction) AppliesTo(channelID uint64) bool {
	if r.Scope == ScopeGuild {
		return true
	}
	return r.ChannelID != nil && *r.ChannelID == channelID
}

// IdempotencyKey records a processed sendMessage so a retried submission
// with the same key returns the original message instead of creating a
// duplicate.
type IdempotencyKey struct {
	ID        uint64 `gorm:"primaryKey"`
	UserID    uint64 `gorm:"uniqueIndex:ux_user_channel_key,priority:1;not null"`
	ChannelID uint64 `gorm:"uniqueIndex:ux_user_channel_key,priority:2;not null"`
	Key       string `gorm:"uniqueIndex:ux_user_channel_key,priority:3;size:64;not null"`
	MessageID uint64 `gorm:"not null"`
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}

// Settings
type Setting struct {
	ID    uint8  `gorm:"primaryKey"`
	Name  string `gorm:"size:32;not null"`
	Value string `gorm:"size:256;not null"`
}
