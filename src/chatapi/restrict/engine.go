// Package restrict is the authoritative gate consulted before every send
// and read. Restrictions can be applied or lifted at any moment by any
// sufficiently privileged role, so callers never cache decisions; they
// re-evaluate on each operation and again when a restriction.changed
// event arrives.
package restrict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/discord"
	"github.com/stake-plus/guildchat/src/chatapi/dispatch"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

// Actor identifies the authenticated caller of a moderation operation.
// Role comes from the identity layer, never from client input.
type Actor struct {
	UserID uint64
	Role   types.Role
}

type ApplyInput struct {
	GuildID         uint64
	TargetID        uint64
	Type            types.RestrictionType
	Scope           types.RestrictionScope
	ChannelID       *uint64
	DurationMinutes *int // nil = permanent
	Reason          string
}

type LiftInput struct {
	GuildID   uint64
	TargetID  uint64
	Type      types.RestrictionType
	Scope     types.RestrictionScope
	ChannelID *uint64
}

// Access is the decision for one (user, channel) pair. Blocking is the
// dominating restriction when either capability is denied: guild BAN over
// channel BAN over BLIND over MUTE.
type Access struct {
	CanSend  bool
	CanRead  bool
	Active   []types.Restriction
	Blocking *types.Restriction
}

type Engine struct {
	db     *gorm.DB
	dir    *directory.Directory
	hub    *dispatch.Hub
	alerts *discord.AlertSender

	// Serializes Apply/Lift per (target, type, scope, channel) tuple so
	// concurrent writes for the same tuple supersede deterministically.
	tupleMu sync.Mutex
	tuples  map[string]*sync.Mutex
}

func New(db *gorm.DB, dir *directory.Directory, hub *dispatch.Hub, alerts *discord.AlertSender) *Engine {
	return &Engine{
		db:     db,
		dir:    dir,
		hub:    hub,
		alerts: alerts,
		tuples: make(map[string]*sync.Mutex),
	}
}

func tupleKey(in LiftInput) string {
	ch := uint64(0)
	if in.ChannelID != nil {
		ch = *in.ChannelID
	}
	return fmt.Sprintf("%d|%d|%s|%s|%d", in.GuildID, in.TargetID, in.Type, in.Scope, ch)
}

func (e *Engine) lockTuple(key string) *sync.Mutex {
	e.tupleMu.Lock()
	defer e.tupleMu.Unlock()
	mu, ok := e.tuples[key]
	if !ok {
		mu = &sync.Mutex{}
		e.tuples[key] = mu
	}
	return mu
}

// checkModerator validates the role hierarchy: the issuer must hold a
// moderation role strictly above the target, and may not restrict
// themselves.
func (e *Engine) checkModerator(issuer Actor, guildID, targetID uint64) error {
	if issuer.UserID == targetID {
		return types.Authorizationf("cannot apply restrictions to yourself")
	}
	if !issuer.Role.CanModerate() {
		return types.Authorizationf("role %s cannot moderate", issuer.Role)
	}
	targetRole := e.dir.MemberRole(guildID, targetID)
	if issuer.Role.Rank() <= targetRole.Rank() {
		return types.Authorizationf("role %s cannot restrict role %s", issuer.Role, targetRole)
	}
	return nil
}

func (e *Engine) validateScope(guildID uint64, scope types.RestrictionScope, channelID *uint64) error {
	switch scope {
	case types.ScopeGuild:
		if channelID != nil {
			return types.Validationf("guild-scope restriction must not name a channel")
		}
	case types.ScopeChannel:
		if channelID == nil {
			return types.Validationf("channel-scope restriction requires channel_id")
		}
		ch, err := e.dir.Channel(*channelID)
		if err != nil {
			return err
		}
		if ch.GuildID != guildID {
			return types.Validationf("channel %d does not belong to guild %d", *channelID, guildID)
		}
	default:
		return types.Validationf("unknown scope %q", scope)
	}
	return nil
}

// Apply inserts a restriction, superseding any active one with the same
// (target, type, scope, channel) tuple. The superseded row is kept for
// audit. Broadcasts restriction.changed to the affected scope.
func (e *Engine) Apply(ctx context.Context, issuer Actor, in ApplyInput) (*types.Restriction, error) {
	if !in.Type.Valid() {
		return nil, types.Validationf("unknown restriction type %q", in.Type)
	}
	if err := e.validateScope(in.GuildID, in.Scope, in.ChannelID); err != nil {
		return nil, err
	}
	if in.DurationMinutes != nil && *in.DurationMinutes <= 0 {
		return nil, types.Validationf("duration must be positive")
	}
	if err := e.checkModerator(issuer, in.GuildID, in.TargetID); err != nil {
		return nil, err
	}

	var expires *time.Time
	if in.DurationMinutes != nil {
		t := time.Now().Add(time.Duration(*in.DurationMinutes) * time.Minute)
		expires = &t
	}

	key := tupleKey(LiftInput{
		GuildID: in.GuildID, TargetID: in.TargetID,
		Type: in.Type, Scope: in.Scope, ChannelID: in.ChannelID,
	})
	mu := e.lockTuple(key)
	mu.Lock()
	defer mu.Unlock()

	row := types.Restriction{
		GuildID:   in.GuildID,
		TargetID:  in.TargetID,
		Type:      in.Type,
		Scope:     in.Scope,
		ChannelID: in.ChannelID,
		IssuedBy:  issuer.UserID,
		Reason:    in.Reason,
		ExpiresAt: expires,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.supersedeTuple(tx, in.GuildID, in.TargetID, in.Type, in.Scope, in.ChannelID); err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return nil, types.Transient("apply restriction", err)
	}

	e.broadcast(&row)
	e.alerts.RestrictionApplied(&row)
	return &row, nil
}

func (e *Engine) supersedeTuple(tx *gorm.DB, guildID, targetID uint64, typ types.RestrictionType, scope types.RestrictionScope, channelID *uint64) error {
	q := tx.Model(&types.Restriction{}).
		Where("guild_id = ? AND target_id = ? AND type = ? AND scope = ?", guildID, targetID, typ, scope).
		Where("superseded = ? AND lifted_at IS NULL", false)
	if channelID != nil {
		q = q.Where("channel_id = ?", *channelID)
	} else {
		q = q.Where("channel_id IS NULL")
	}
	return q.Update("superseded", true).Error
}

// Lift marks the matching active restriction as lifted. Idempotent: a
// lift with nothing active is a no-op, not an error.
func (e *Engine) Lift(ctx context.Context, issuer Actor, in LiftInput) error {
	if !in.Type.Valid() {
		return types.Validationf("unknown restriction type %q", in.Type)
	}
	if err := e.validateScope(in.GuildID, in.Scope, in.ChannelID); err != nil {
		return err
	}
	if err := e.checkModerator(issuer, in.GuildID, in.TargetID); err != nil {
		return err
	}

	mu := e.lockTuple(tupleKey(in))
	mu.Lock()
	defer mu.Unlock()

	now := time.Now()
	var row types.Restriction
	q := e.db.WithContext(ctx).
		Where("guild_id = ? AND target_id = ? AND type = ? AND scope = ?", in.GuildID, in.TargetID, in.Type, in.Scope).
		Where("superseded = ? AND lifted_at IS NULL", false).
		Where("expires_at IS NULL OR expires_at > ?", now)
	if in.ChannelID != nil {
		q = q.Where("channel_id = ?", *in.ChannelID)
	} else {
		q = q.Where("channel_id IS NULL")
	}
	if err := q.First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return types.Transient("lift restriction", err)
	}

	updates := map[string]interface{}{"lifted_at": now}
	if row.ExpiresAt == nil || row.ExpiresAt.After(now) {
		updates["expires_at"] = now
	}
	if err := e.db.WithContext(ctx).Model(&row).Updates(updates).Error; err != nil {
		return types.Transient("lift restriction", err)
	}

	e.broadcast(&row)
	e.alerts.RestrictionLifted(&row, issuer.UserID)
	return nil
}

// Evaluate computes the gate decision for user/channel against the
// current restriction rows. Pure read; safe to call concurrently with
// Apply/Lift at the cost of a momentarily stale snapshot.
func (e *Engine) Evaluate(userID, channelID uint64) (Access, error) {
	ch, err := e.dir.Channel(channelID)
	if err != nil {
		return Access{}, err
	}
	return e.evaluate(userID, ch.GuildID, channelID)
}

// EvaluateGuild is the connection-level check: it only considers
// guild-scope restrictions, used when a client attaches before picking
// any channel.
func (e *Engine) EvaluateGuild(userID, guildID uint64) (Access, error) {
	return e.evaluate(userID, guildID, 0)
}

func (e *Engine) evaluate(userID, guildID, channelID uint64) (Access, error) {
	now := time.Now()
	var rows []types.Restriction
	err := e.db.
		Where("guild_id = ? AND target_id = ?", guildID, userID).
		Where("superseded = ? AND lifted_at IS NULL", false).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return Access{}, types.Transient("evaluate restrictions", err)
	}

	acc := Access{CanSend: true, CanRead: true}
	var guildBan, channelBan, blind, mute *types.Restriction
	for i := range rows {
		r := &rows[i]
		if channelID != 0 && !r.AppliesTo(channelID) {
			continue
		}
		if channelID == 0 && r.Scope != types.ScopeGuild {
			continue
		}
		acc.Active = append(acc.Active, *r)
		switch r.Type {
		case types.RestrictionBan:
			if r.Scope == types.ScopeGuild {
				guildBan = r
			} else {
				channelBan = r
			}
		case types.RestrictionBlind:
			blind = r
		case types.RestrictionMute:
			mute = r
		}
	}

	// Guild ban dominates everything, then channel ban. A blind user
	// cannot send either: no posting into a channel you cannot verify.
	switch {
	case guildBan != nil:
		acc.CanSend, acc.CanRead, acc.Blocking = false, false, guildBan
	case channelBan != nil:
		acc.CanSend, acc.CanRead, acc.Blocking = false, false, channelBan
	case blind != nil:
		acc.CanSend, acc.CanRead, acc.Blocking = false, false, blind
	case mute != nil:
		acc.CanSend, acc.Blocking = false, mute
	}
	return acc, nil
}

func (e *Engine) broadcast(r *types.Restriction) {
	if e.hub == nil {
		return
	}
	ev := dispatch.Event{
		Type:     dispatch.EventRestrictionChanged,
		GuildID:  r.GuildID,
		TargetID: r.TargetID,
		Payload:  r,
	}
	if r.Scope == types.ScopeChannel && r.ChannelID != nil {
		ev.ChannelID = *r.ChannelID
	}
	e.hub.Publish(ev)
}
