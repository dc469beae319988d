package webserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/presence"
	"github.com/stake-plus/guildchat/src/chatapi/restrict"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

type TypingHandler struct {
	Tracker   *presence.Tracker
	Directory *directory.Directory
	Engine    *restrict.Engine
}

// Signal refreshes the caller's typing window on a channel. Best effort:
// a caller blocked from sending simply gets no indicator, never an
// error worth retrying.
func (h TypingHandler) Signal(c *gin.Context) {
	channelID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad channel id"})
		return
	}

	ident := identityFrom(c)
	ch, err := h.Directory.Channel(channelID)
	if err != nil {
		renderError(c, err)
		return
	}
	if ch.GuildID != ident.GuildID {
		renderError(c, types.Authorizationf("channel %d is outside your guild", channelID))
		return
	}

	if acc, err := h.Engine.Evaluate(ident.UserID, channelID); err == nil && acc.CanSend {
		h.Tracker.SignalTyping(ch.GuildID, channelID, ident.UserID)
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}
