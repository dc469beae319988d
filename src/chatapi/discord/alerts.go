package discord

import (
	"fmt"
	"log"

	"github.com/gtuk/discordwebhook"

	"github.com/stake-plus/guildchat/src/chatapi/types"
)

// AlertSender posts moderation events to a Discord webhook so the mod
// team sees restriction activity without watching the database. A nil
// sender (no webhook configured) swallows every call.
type AlertSender struct {
	url      string
	username string
}

func NewAlertSender(url string) *AlertSender {
	if url == "" {
		return nil
	}
	return &AlertSender{url: url, username: "guildchat"}
}

func (a *AlertSender) RestrictionApplied(r *types.Restriction) {
	if a == nil {
		return
	}
	scope := "guild-wide"
	if r.Scope == types.ScopeChannel && r.ChannelID != nil {
		scope = fmt.Sprintf("channel %d", *r.ChannelID)
	}
	expiry := "permanent"
	if r.ExpiresAt != nil {
		expiry = "until " + r.ExpiresAt.UTC().Format("2006-01-02 15:04 UTC")
	}
	content := fmt.Sprintf("%s applied to user %d (%s, %s) by %d", r.Type, r.TargetID, scope, expiry, r.IssuedBy)
	if r.Reason != "" {
		content += ": " + r.Reason
	}
	a.send(content)
}

func (a *AlertSender) RestrictionLifted(r *types.Restriction, liftedBy uint64) {
	if a == nil {
		return
	}
	a.send(fmt.Sprintf("%s on user %d lifted by %d", r.Type, r.TargetID, liftedBy))
}

func (a *AlertSender) send(content string) {
	msg := discordwebhook.Message{
		Username: &a.username,
		Content:  &content,
	}
	go func() {
		if err := discordwebhook.SendMessage(a.url, msg); err != nil {
			log.Printf("discord alert: %v", err)
		}
	}()
}
