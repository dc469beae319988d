package webserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/restrict"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

type ModerationHandler struct {
	Engine    *restrict.Engine
	Directory *directory.Directory
}

func (h ModerationHandler) Apply(c *gin.Context) {
	var req struct {
		TargetID        uint64  `json:"target_id" binding:"required"`
		Type            string  `json:"type" binding:"required"`
		Scope           string  `json:"scope" binding:"required"`
		ChannelID       *uint64 `json:"channel_id"`
		DurationMinutes *int    `json:"duration_minutes"`
		Reason          string  `json:"reason" binding:"max=255"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	ident := identityFrom(c)
	row, err := h.Engine.Apply(c.Request.Context(), ident.Actor(), restrict.ApplyInput{
		GuildID:         ident.GuildID,
		TargetID:        req.TargetID,
		Type:            types.RestrictionType(req.Type),
		Scope:           types.RestrictionScope(req.Scope),
		ChannelID:       req.ChannelID,
		DurationMinutes: req.DurationMinutes,
		Reason:          req.Reason,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

func (h ModerationHandler) Lift(c *gin.Context) {
	var req struct {
		TargetID  uint64  `json:"target_id" binding:"required"`
		Type      string  `json:"type" binding:"required"`
		Scope     string  `json:"scope" binding:"required"`
		ChannelID *uint64 `json:"channel_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}

	ident := identityFrom(c)
	err := h.Engine.Lift(c.Request.Context(), ident.Actor(), restrict.LiftInput{
		GuildID:   ident.GuildID,
		TargetID:  req.TargetID,
		Type:      types.RestrictionType(req.Type),
		Scope:     types.RestrictionScope(req.Scope),
		ChannelID: req.ChannelID,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lifted": true})
}

// EvaluateAccess lets a client ask for its current gate state on a
// channel, e.g. right after a restriction.changed event arrives.
func (h ModerationHandler) EvaluateAccess(c *gin.Context) {
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

	acc, err := h.Engine.Evaluate(ident.UserID, channelID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"can_send":     acc.CanSend,
		"can_read":     acc.CanRead,
		"restrictions": acc.Active,
	})
}
