package webserver

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/presence"
)

type DirectoryHandler struct {
	Directory *directory.Directory
	Tracker   *presence.Tracker
}

func (h DirectoryHandler) guildID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": "bad guild id"})
		return 0, false
	}
	// Reference data is guild-local; the token binds the caller to one
	// guild.
	if ident := identityFrom(c); ident.GuildID != id {
		c.JSON(http.StatusForbidden, gin.H{"err": "not a member of this guild"})
		return 0, false
	}
	return id, true
}

func (h DirectoryHandler) ListChannels(c *gin.Context) {
	guildID, ok := h.guildID(c)
	if !ok {
		return
	}
	chans, err := h.Directory.ListChannels(guildID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": chans})
}

func (h DirectoryHandler) ListCategories(c *gin.Context) {
	guildID, ok := h.guildID(c)
	if !ok {
		return
	}
	cats, err := h.Directory.ListCategories(guildID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"categories": cats})
}

func (h DirectoryHandler) Presence(c *gin.Context) {
	guildID, ok := h.guildID(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"online": h.Tracker.Online(guildID)})
}
