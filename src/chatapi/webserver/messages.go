package webserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/messages"
	"github.com/stake-plus/guildchat/src/chatapi/reactions"
	"github.com/stake-plus/guildchat/src/chatapi/types"
)

type MessagesHandler struct {
	Store     *messages.Store
	Reactions *reactions.Service
	Directory *directory.Directory
}

// checkChannelGuild rejects operations reaching outside the token's
// guild. The token asserts a role within one guild only; without this
// check a moderator of one guild would carry that role into every other.
func (h MessagesHandler) checkChannelGuild(c *gin.Context, channelID uint64) bool {
	ch, err := h.Directory.Channel(channelID)
	if err != nil {
		renderError(c, err)
		return false
	}
	if ch.GuildID != identityFrom(c).GuildID {
		renderError(c, types.Authorizationf("channel %d is outside your guild", channelID))
		return false
	}
	return true
}

func (h MessagesHandler) checkMessageGuild(c *gin.Context, messageID uint64) bool {
	ch, err := h.Store.ChannelOf(messageID)
	if err != nil {
		renderError(c, err)
		return false
	}
	if ch.GuildID != identityFrom(c).GuildID {
		renderError(c, types.Authorizationf("message %d is outside your guild", messageID))
		return false
	}
	return true
}

func (h MessagesHandler) Create(c *gin.Context) {
	var req struct {
		ChannelID      uint64  `json:"channel_id" binding:"required"`
		Content        string  `json:"content" binding:"required"`
		ReplyToID      *uint64 `json:"reply_to_id"`
		IdempotencyKey string  `json:"idempotency_key" binding:"max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if !h.checkChannelGuild(c, req.ChannelID) {
		return
	}

	ident := identityFrom(c)
	msg, err := h.Store.Send(c.Request.Context(), messages.SendInput{
		ChannelID:      req.ChannelID,
		AuthorID:       ident.UserID,
		Content:        req.Content,
		ReplyToID:      req.ReplyToID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.Store.Render(msg, ident.UserID, ident.Role))
}

func (h MessagesHandler) Get(c *gin.Context) {
	msgID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad message id"})
		return
	}
	if !h.checkMessageGuild(c, msgID) {
		return
	}

	ident := identityFrom(c)
	view, err := h.Store.Get(ident.UserID, ident.Role, msgID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h MessagesHandler) Edit(c *gin.Context) {
	msgID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad message id"})
		return
	}
	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if !h.checkMessageGuild(c, msgID) {
		return
	}

	ident := identityFrom(c)
	msg, err := h.Store.Edit(c.Request.Context(), msgID, ident.UserID, req.Content)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.Store.Render(msg, ident.UserID, ident.Role))
}

func (h MessagesHandler) Delete(c *gin.Context) {
	msgID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad message id"})
		return
	}
	if !h.checkMessageGuild(c, msgID) {
		return
	}

	ident := identityFrom(c)
	msg, err := h.Store.Delete(c.Request.Context(), msgID, ident.Actor())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": msg.ID, "deleted_by": msg.DeletedBy})
}

func (h MessagesHandler) List(c *gin.Context) {
	channelID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad channel id"})
		return
	}
	if !h.checkChannelGuild(c, channelID) {
		return
	}
	cursor, _ := strconv.ParseUint(c.DefaultQuery("cursor", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	ident := identityFrom(c)
	page, err := h.Store.Paginate(ident.UserID, ident.Role, channelID, cursor, limit)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h MessagesHandler) ToggleReaction(c *gin.Context) {
	msgID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad message id"})
		return
	}
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": err.Error()})
		return
	}
	if !h.checkMessageGuild(c, msgID) {
		return
	}

	ident := identityFrom(c)
	groups, err := h.Reactions.Toggle(c.Request.Context(), msgID, ident.UserID, req.Emoji)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message_id": msgID, "reactions": groups})
}
