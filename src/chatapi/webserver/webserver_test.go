package webserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/stake-plus/guildchat/src/chatapi/config"
	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/dispatch"
	"github.com/stake-plus/guildchat/src/chatapi/messages"
	"github.com/stake-plus/guildchat/src/chatapi/presence"
	"github.com/stake-plus/guildchat/src/chatapi/reactions"
	"github.com/stake-plus/guildchat/src/chatapi/restrict"
	"github.com/stake-plus/guildchat/src/chatapi/testutil"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

const testSecret = "test-secret"

type testEnv struct {
	router  *gin.Engine
	deps    Deps
	tracker *presence.Tracker
	db      *gorm.DB
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.OpenDB(t)
	testutil.SeedGuild(t, db)

	hub := dispatch.NewHub(nil)
	dir := directory.New(db)
	engine := restrict.New(db, dir, hub, nil)
	store := messages.NewStore(db, dir, engine, hub)
	tracker := presence.NewTracker(hub)

	deps := Deps{
		Directory: dir,
		Engine:    engine,
		Store:     store,
		Reactions: reactions.New(db, dir, engine, hub),
		Tracker:   tracker,
		Hub:       hub,
	}
	cfg := config.Config{JWTSecret: testSecret, Port: "0"}
	return &testEnv{router: New(cfg, deps), deps: deps, tracker: tracker, db: db}
}

func signToken(t *testing.T, userID uint64, role types.Role) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   float64(userID),
		"guild": float64(testutil.GuildID),
		"role":  string(role),
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)

	if w := e.do(t, http.MethodPost, "/v1/messages", "", gin.H{"channel_id": 1, "content": "hi"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/messages", "garbage", gin.H{"channel_id": 1, "content": "hi"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: code = %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Fatalf("healthz: code = %d", w.Code)
	}
}

func TestSendAndPaginateFlow(t *testing.T) {
	e := newTestEnv(t)
	token := signToken(t, testutil.MemberA, types.RoleMember)

	w := e.do(t, http.MethodPost, "/v1/messages", token, gin.H{
		"channel_id": testutil.GeneralID,
		"content":    "first post",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("send: code = %d body = %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, fmt.Sprintf("/v1/channels/%d/messages?limit=10", testutil.GeneralID), token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("paginate: code = %d body = %s", w.Code, w.Body.String())
	}
	var page struct {
		Messages []struct {
			Content string `json:"content"`
			Seq     uint64 `json:"seq"`
		} `json:"messages"`
		HasMore bool `json:"has_more"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Content != "first post" || page.HasMore {
		t.Fatalf("page = %+v", page)
	}
}

func TestModerationBlockedResponseBody(t *testing.T) {
	e := newTestEnv(t)
	coach := signToken(t, testutil.CoachID, types.RoleCoach)
	member := signToken(t, testutil.MemberA, types.RoleMember)

	w := e.do(t, http.MethodPost, "/v1/restrictions", coach, gin.H{
		"target_id":        testutil.MemberA,
		"type":             "MUTE",
		"scope":            "CHANNEL",
		"channel_id":       testutil.GeneralID,
		"duration_minutes": 10,
		"reason":           "spam",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("apply: code = %d body = %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPost, "/v1/messages", member, gin.H{
		"channel_id": testutil.GeneralID,
		"content":    "can I still talk?",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("muted send: code = %d", w.Code)
	}
	var body struct {
		Kind        string `json:"kind"`
		Restriction struct {
			Type      string     `json:"type"`
			Reason    string     `json:"reason"`
			ExpiresAt *time.Time `json:"expires_at"`
		} `json:"restriction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Kind != string(types.KindModerationBlocked) || body.Restriction.Type != "MUTE" {
		t.Fatalf("body = %s", w.Body.String())
	}
	if body.Restriction.ExpiresAt == nil || body.Restriction.Reason != "spam" {
		t.Fatalf("restriction detail missing: %s", w.Body.String())
	}
}

func TestRestrictionRoleEnforcedOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	member := signToken(t, testutil.MemberB, types.RoleMember)

	w := e.do(t, http.MethodPost, "/v1/restrictions", member, gin.H{
		"target_id": testutil.MemberA,
		"type":      "MUTE",
		"scope":     "GUILD",
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("member apply: code = %d body = %s", w.Code, w.Body.String())
	}
}

func TestEvaluateAccessEndpoint(t *testing.T) {
	e := newTestEnv(t)
	admin := signToken(t, testutil.AdminID, types.RoleAdmin)
	member := signToken(t, testutil.MemberB, types.RoleMember)

	w := e.do(t, http.MethodPost, "/v1/restrictions", admin, gin.H{
		"target_id":  testutil.MemberB,
		"type":       "BAN",
		"scope":      "CHANNEL",
		"channel_id": testutil.VIPID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("ban: code = %d body = %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, fmt.Sprintf("/v1/channels/%d/access", testutil.VIPID), member, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("access: code = %d", w.Code)
	}
	var acc struct {
		CanSend bool `json:"can_send"`
		CanRead bool `json:"can_read"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &acc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if acc.CanSend || acc.CanRead {
		t.Fatalf("banned access = %+v", acc)
	}

	// The blocked channel pages as 403, the open one as 200.
	if w := e.do(t, http.MethodGet, fmt.Sprintf("/v1/channels/%d/messages", testutil.VIPID), member, nil); w.Code != http.StatusForbidden {
		t.Fatalf("vip paginate: code = %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, fmt.Sprintf("/v1/channels/%d/messages", testutil.GeneralID), member, nil); w.Code != http.StatusOK {
		t.Fatalf("general paginate: code = %d", w.Code)
	}
}

func TestDirectoryGuildScoped(t *testing.T) {
	e := newTestEnv(t)
	member := signToken(t, testutil.MemberA, types.RoleMember)

	w := e.do(t, http.MethodGet, fmt.Sprintf("/v1/guilds/%d/channels", testutil.GuildID), member, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("channels: code = %d", w.Code)
	}
	var body struct {
		Channels []struct {
			Name string `json:"Name"`
		} `json:"channels"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Channels) != 3 {
		t.Fatalf("channels = %d, want 3", len(body.Channels))
	}

	// Token bound to guild 1 cannot list guild 2.
	if w := e.do(t, http.MethodGet, "/v1/guilds/2/channels", member, nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign guild: code = %d", w.Code)
	}
}

func TestTypingEndpointRespectsMute(t *testing.T) {
	e := newTestEnv(t)
	coach := signToken(t, testutil.CoachID, types.RoleCoach)
	member := signToken(t, testutil.MemberA, types.RoleMember)

	w := e.do(t, http.MethodPost, fmt.Sprintf("/v1/channels/%d/typing", testutil.GeneralID), member, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("typing: code = %d", w.Code)
	}
	if got := e.tracker.Typing(testutil.GeneralID); len(got) != 1 || got[0] != testutil.MemberA {
		t.Fatalf("typing set = %v", got)
	}

	w = e.do(t, http.MethodPost, "/v1/restrictions", coach, gin.H{
		"target_id":  testutil.MemberB,
		"type":       "MUTE",
		"scope":      "CHANNEL",
		"channel_id": testutil.GeneralID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("mute: code = %d", w.Code)
	}

	// Muted callers get an accepted response but no indicator: typing is
	// best-effort and never surfaces moderation errors.
	memberB := signToken(t, testutil.MemberB, types.RoleMember)
	w = e.do(t, http.MethodPost, fmt.Sprintf("/v1/channels/%d/typing", testutil.GeneralID), memberB, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("muted typing: code = %d", w.Code)
	}
	for _, u := range e.tracker.Typing(testutil.GeneralID) {
		if u == testutil.MemberB {
			t.Fatalf("muted user appeared as typing")
		}
	}
}

func TestCrossGuildIsolation(t *testing.T) {
	e := newTestEnv(t)

	// A second guild with its own channel and a message by one of its
	// members, none of it visible to guild-1 tokens.
	const foreignChannel = uint64(99)
	rows := []any{
		&types.Guild{ID: 2, Name: "otherguild"},
		&types.Channel{ID: foreignChannel, GuildID: 2, Name: "their-general"},
		&types.Message{ChannelID: foreignChannel, ChannelSeq: 1, AuthorID: 500, Content: "their talk"},
	}
	for _, row := range rows {
		if err := e.db.Create(row).Error; err != nil {
			t.Fatalf("seed foreign guild: %v", err)
		}
	}
	var foreign types.Message
	if err := e.db.First(&foreign, "channel_id = ?", foreignChannel).Error; err != nil {
		t.Fatalf("load foreign message: %v", err)
	}

	// A guild-1 moderator role means nothing in guild 2.
	mod := signToken(t, testutil.ModID, types.RoleModerator)

	if w := e.do(t, http.MethodDelete, fmt.Sprintf("/v1/messages/%d", foreign.ID), mod, nil); w.Code != http.StatusForbidden {
		t.Fatalf("cross-guild delete: code = %d body = %s", w.Code, w.Body.String())
	}
	if w := e.do(t, http.MethodGet, fmt.Sprintf("/v1/messages/%d", foreign.ID), mod, nil); w.Code != http.StatusForbidden {
		t.Fatalf("cross-guild get: code = %d", w.Code)
	}
	if w := e.do(t, http.MethodPatch, fmt.Sprintf("/v1/messages/%d", foreign.ID), mod, gin.H{"content": "hijack"}); w.Code != http.StatusForbidden {
		t.Fatalf("cross-guild edit: code = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, fmt.Sprintf("/v1/messages/%d/reactions", foreign.ID), mod, gin.H{"emoji": "👍"}); w.Code != http.StatusForbidden {
		t.Fatalf("cross-guild reaction: code = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/v1/messages", mod, gin.H{"channel_id": foreignChannel, "content": "drive-by"}); w.Code != http.StatusForbidden {
		t.Fatalf("cross-guild send: code = %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, fmt.Sprintf("/v1/channels/%d/messages", foreignChannel), mod, nil); w.Code != http.StatusForbidden {
		t.Fatalf("cross-guild paginate: code = %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, fmt.Sprintf("/v1/channels/%d/access", foreignChannel), mod, nil); w.Code != http.StatusForbidden {
		t.Fatalf("cross-guild access: code = %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, fmt.Sprintf("/v1/channels/%d/typing", foreignChannel), mod, nil); w.Code != http.StatusForbidden {
		t.Fatalf("cross-guild typing: code = %d", w.Code)
	}

	// The foreign message is untouched.
	var after types.Message
	if err := e.db.First(&after, "id = ?", foreign.ID).Error; err != nil {
		t.Fatalf("reload foreign message: %v", err)
	}
	if after.Deleted() || after.Content != "their talk" {
		t.Fatalf("foreign message mutated: %+v", after)
	}

	// Same-guild moderation still works.
	member := signToken(t, testutil.MemberA, types.RoleMember)
	w := e.do(t, http.MethodPost, "/v1/messages", member, gin.H{"channel_id": testutil.GeneralID, "content": "ours"})
	if w.Code != http.StatusCreated {
		t.Fatalf("own-guild send: code = %d", w.Code)
	}
	var msg struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w := e.do(t, http.MethodDelete, fmt.Sprintf("/v1/messages/%d", msg.ID), mod, nil); w.Code != http.StatusOK {
		t.Fatalf("own-guild delete: code = %d body = %s", w.Code, w.Body.String())
	}
}

func TestReactionEndpoint(t *testing.T) {
	e := newTestEnv(t)
	member := signToken(t, testutil.MemberA, types.RoleMember)

	w := e.do(t, http.MethodPost, "/v1/messages", member, gin.H{
		"channel_id": testutil.GeneralID,
		"content":    "react here",
	})
	var msg struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}

	w = e.do(t, http.MethodPost, fmt.Sprintf("/v1/messages/%d/reactions", msg.ID), member, gin.H{"emoji": "👍"})
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: code = %d body = %s", w.Code, w.Body.String())
	}
	var body struct {
		Reactions []struct {
			Emoji string   `json:"emoji"`
			Count int      `json:"count"`
			Users []uint64 `json:"users"`
		} `json:"reactions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Reactions) != 1 || body.Reactions[0].Count != 1 {
		t.Fatalf("reactions = %+v", body.Reactions)
	}
}
