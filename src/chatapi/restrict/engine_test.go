package restrict

import (
	"context"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/dispatch"
	"github.com/stake-plus/guildchat/src/chatapi/testutil"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

func newTestEngine(t *testing.T) (*Engine, *gorm.DB) {
	t.Helper()
	db := testutil.OpenDB(t)
	testutil.SeedGuild(t, db)
	eng := New(db, directory.New(db), dispatch.NewHub(nil), nil)
	return eng, db
}

var (
	coach = Actor{UserID: testutil.CoachID, Role: types.RoleCoach}
	mod   = Actor{UserID: testutil.ModID, Role: types.RoleModerator}
	admin = Actor{UserID: testutil.AdminID, Role: types.RoleAdmin}
)

func channelMute(target uint64, channelID uint64, minutes int) ApplyInput {
	ch := channelID
	return ApplyInput{
		GuildID:         testutil.GuildID,
		TargetID:        target,
		Type:            types.RestrictionMute,
		Scope:           types.ScopeChannel,
		ChannelID:       &ch,
		DurationMinutes: &minutes,
	}
}

func TestApplySupersedesSameTuple(t *testing.T) {
	eng, db := newTestEngine(t)
	ctx := context.Background()

	first, err := eng.Apply(ctx, coach, channelMute(testutil.MemberA, testutil.GeneralID, 10))
	if err != nil {
		t.Fatalf("first apply: %v", err)
	}
	second, err := eng.Apply(ctx, coach, channelMute(testutil.MemberA, testutil.GeneralID, 30))
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}

	var active int64
	db.Model(&types.Restriction{}).
		Where("target_id = ? AND superseded = ? AND lifted_at IS NULL", testutil.MemberA, false).
		Count(&active)
	if active != 1 {
		t.Fatalf("active restrictions = %d, want 1", active)
	}

	var old types.Restriction
	if err := db.First(&old, "id = ?", first.ID).Error; err != nil {
		t.Fatalf("load superseded row: %v", err)
	}
	if !old.Superseded {
		t.Fatalf("first restriction not marked superseded")
	}

	acc, err := eng.Evaluate(testutil.MemberA, testutil.GeneralID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if acc.Blocking == nil || acc.Blocking.ID != second.ID {
		t.Fatalf("evaluate does not reflect the superseding restriction")
	}
}

func TestConcurrentAppliesLeaveOneActive(t *testing.T) {
	eng, db := newTestEngine(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = eng.Apply(context.Background(), coach, channelMute(testutil.MemberA, testutil.GeneralID, 10))
		}()
	}
	wg.Wait()

	var active int64
	db.Model(&types.Restriction{}).
		Where("target_id = ? AND superseded = ? AND lifted_at IS NULL", testutil.MemberA, false).
		Count(&active)
	if active != 1 {
		t.Fatalf("active restrictions = %d, want exactly 1", active)
	}
}

func TestGuildBanDominates(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.Apply(ctx, coach, channelMute(testutil.MemberA, testutil.GeneralID, 10)); err != nil {
		t.Fatalf("mute: %v", err)
	}
	_, err := eng.Apply(ctx, admin, ApplyInput{
		GuildID:  testutil.GuildID,
		TargetID: testutil.MemberA,
		Type:     types.RestrictionBan,
		Scope:    types.ScopeGuild,
	})
	if err != nil {
		t.Fatalf("ban: %v", err)
	}

	for _, channel := range []uint64{testutil.GeneralID, testutil.OffTopicID, testutil.VIPID} {
		acc, err := eng.Evaluate(testutil.MemberA, channel)
		if err != nil {
			t.Fatalf("evaluate channel %d: %v", channel, err)
		}
		if acc.CanSend || acc.CanRead {
			t.Fatalf("channel %d: guild ban did not dominate (send=%v read=%v)", channel, acc.CanSend, acc.CanRead)
		}
		if acc.Blocking == nil || acc.Blocking.Type != types.RestrictionBan {
			t.Fatalf("channel %d: blocking restriction is not the ban", channel)
		}
	}

	// Lifting the channel mute must not reopen anything while the guild
	// ban stands.
	general := testutil.GeneralID
	err = eng.Lift(ctx, coach, LiftInput{
		GuildID:   testutil.GuildID,
		TargetID:  testutil.MemberA,
		Type:      types.RestrictionMute,
		Scope:     types.ScopeChannel,
		ChannelID: &general,
	})
	if err != nil {
		t.Fatalf("lift mute: %v", err)
	}
	acc, _ := eng.Evaluate(testutil.MemberA, testutil.GeneralID)
	if acc.CanSend || acc.CanRead {
		t.Fatalf("guild ban stopped dominating after unrelated lift")
	}
}

func TestBlindBlocksReadAndSend(t *testing.T) {
	eng, _ := newTestEngine(t)

	general := testutil.GeneralID
	_, err := eng.Apply(context.Background(), mod, ApplyInput{
		GuildID:   testutil.GuildID,
		TargetID:  testutil.MemberA,
		Type:      types.RestrictionBlind,
		Scope:     types.ScopeChannel,
		ChannelID: &general,
	})
	if err != nil {
		t.Fatalf("blind: %v", err)
	}

	acc, _ := eng.Evaluate(testutil.MemberA, testutil.GeneralID)
	if acc.CanRead || acc.CanSend {
		t.Fatalf("blind user can still read or send")
	}

	other, _ := eng.Evaluate(testutil.MemberA, testutil.OffTopicID)
	if !other.CanRead || !other.CanSend {
		t.Fatalf("channel blind leaked into another channel")
	}
}

func TestMuteBlocksSendOnly(t *testing.T) {
	eng, _ := newTestEngine(t)

	if _, err := eng.Apply(context.Background(), coach, channelMute(testutil.MemberA, testutil.GeneralID, 10)); err != nil {
		t.Fatalf("mute: %v", err)
	}
	acc, _ := eng.Evaluate(testutil.MemberA, testutil.GeneralID)
	if acc.CanSend {
		t.Fatalf("muted user can send")
	}
	if !acc.CanRead {
		t.Fatalf("mute blocked reading")
	}
}

func TestRoleHierarchy(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	member := Actor{UserID: testutil.MemberB, Role: types.RoleMember}
	if _, err := eng.Apply(ctx, member, channelMute(testutil.MemberA, testutil.GeneralID, 10)); types.KindOf(err) != types.KindAuthorization {
		t.Fatalf("member apply: kind = %v, want authorization", types.KindOf(err))
	}

	// Coach cannot restrict a moderator (equal-or-above rank).
	if _, err := eng.Apply(ctx, coach, channelMute(testutil.ModID, testutil.GeneralID, 10)); types.KindOf(err) != types.KindAuthorization {
		t.Fatalf("coach vs moderator: kind = %v, want authorization", types.KindOf(err))
	}

	// Self-application is always rejected.
	self := Actor{UserID: testutil.CoachID, Role: types.RoleCoach}
	if _, err := eng.Apply(ctx, self, channelMute(testutil.CoachID, testutil.GeneralID, 10)); types.KindOf(err) != types.KindAuthorization {
		t.Fatalf("self apply: kind = %v, want authorization", types.KindOf(err))
	}
}

func TestScopeValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// CHANNEL scope without a channel.
	_, err := eng.Apply(ctx, coach, ApplyInput{
		GuildID:  testutil.GuildID,
		TargetID: testutil.MemberA,
		Type:     types.RestrictionMute,
		Scope:    types.ScopeChannel,
	})
	if types.KindOf(err) != types.KindValidation {
		t.Fatalf("missing channel: kind = %v, want validation", types.KindOf(err))
	}

	// GUILD scope naming a channel.
	general := testutil.GeneralID
	_, err = eng.Apply(ctx, coach, ApplyInput{
		GuildID:   testutil.GuildID,
		TargetID:  testutil.MemberA,
		Type:      types.RestrictionMute,
		Scope:     types.ScopeGuild,
		ChannelID: &general,
	})
	if types.KindOf(err) != types.KindValidation {
		t.Fatalf("guild scope with channel: kind = %v, want validation", types.KindOf(err))
	}
}

func TestLiftIsIdempotent(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	general := testutil.GeneralID
	lift := LiftInput{
		GuildID:   testutil.GuildID,
		TargetID:  testutil.MemberA,
		Type:      types.RestrictionMute,
		Scope:     types.ScopeChannel,
		ChannelID: &general,
	}

	// Nothing active yet.
	if err := eng.Lift(ctx, coach, lift); err != nil {
		t.Fatalf("lift with nothing active: %v", err)
	}

	if _, err := eng.Apply(ctx, coach, channelMute(testutil.MemberA, testutil.GeneralID, 10)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := eng.Lift(ctx, coach, lift); err != nil {
		t.Fatalf("lift: %v", err)
	}
	acc, _ := eng.Evaluate(testutil.MemberA, testutil.GeneralID)
	if !acc.CanSend {
		t.Fatalf("lift did not restore send")
	}
	if err := eng.Lift(ctx, coach, lift); err != nil {
		t.Fatalf("second lift: %v", err)
	}
}

func TestExpiredRestrictionIgnored(t *testing.T) {
	eng, db := newTestEngine(t)

	past := time.Now().Add(-time.Minute)
	general := testutil.GeneralID
	row := types.Restriction{
		GuildID:   testutil.GuildID,
		TargetID:  testutil.MemberA,
		Type:      types.RestrictionMute,
		Scope:     types.ScopeChannel,
		ChannelID: &general,
		IssuedBy:  testutil.CoachID,
		ExpiresAt: &past,
	}
	if err := db.Create(&row).Error; err != nil {
		t.Fatalf("seed expired restriction: %v", err)
	}

	acc, _ := eng.Evaluate(testutil.MemberA, testutil.GeneralID)
	if !acc.CanSend || !acc.CanRead {
		t.Fatalf("expired restriction still blocks")
	}
	if len(acc.Active) != 0 {
		t.Fatalf("expired restriction listed as active")
	}
}

func TestRestrictionChangedBroadcast(t *testing.T) {
	db := testutil.OpenDB(t)
	testutil.SeedGuild(t, db)
	hub := dispatch.NewHub(nil)
	eng := New(db, directory.New(db), hub, nil)

	sub := hub.Register(testutil.GuildID, testutil.MemberA)
	defer hub.Unregister(sub)
	sub.Subscribe(testutil.GeneralID)

	if _, err := eng.Apply(context.Background(), coach, channelMute(testutil.MemberA, testutil.GeneralID, 10)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	select {
	case ev := <-sub.C():
		if ev.Type != dispatch.EventRestrictionChanged {
			t.Fatalf("event type = %s", ev.Type)
		}
		if ev.TargetID != testutil.MemberA || ev.ChannelID != testutil.GeneralID {
			t.Fatalf("event scope wrong: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no restriction.changed event delivered")
	}
}
