package webserver

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stake-plus/guildchat/src/chatapi/config"
	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/dispatch"
	"github.com/stake-plus/guildchat/src/chatapi/messages"
	"github.com/stake-plus/guildchat/src/chatapi/presence"
	"github.com/stake-plus/guildchat/src/chatapi/reactions"
	"github.com/stake-plus/guildchat/src/chatapi/restrict"
)

// Deps bundles the core components the HTTP layer exposes.
type Deps struct {
	Directory *directory.Directory
	Engine    *restrict.Engine
	Store     *messages.Store
	Reactions *reactions.Service
	Tracker   *presence.Tracker
	Hub       *dispatch.Hub
}

func New(cfg config.Config, deps Deps) *gin.Engine {
	g := gin.New()
	g.Use(gin.Logger(), gin.Recovery())
	g.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
	}))
	attachRoutes(g, cfg, deps)
	return g
}

func attachRoutes(g *gin.Engine, cfg config.Config, deps Deps) {
	g.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	secret := []byte(cfg.JWTSecret)

	msgH := MessagesHandler{Store: deps.Store, Reactions: deps.Reactions, Directory: deps.Directory}
	modH := ModerationHandler{Engine: deps.Engine, Directory: deps.Directory}
	dirH := DirectoryHandler{Directory: deps.Directory, Tracker: deps.Tracker}
	typH := TypingHandler{Tracker: deps.Tracker, Directory: deps.Directory, Engine: deps.Engine}
	wsH := NewWSHandler(secret, deps)

	// Websocket auth happens inside the handler (browsers cannot set
	// headers on the upgrade request), so it sits outside the middleware.
	g.GET("/v1/ws", wsH.Serve)

	v1 := g.Group("/v1")
	v1.Use(JWT(secret))
	{
		v1.POST("/messages", msgH.Create)
		v1.GET("/messages/:id", msgH.Get)
		v1.PATCH("/messages/:id", msgH.Edit)
		v1.DELETE("/messages/:id", msgH.Delete)
		v1.POST("/messages/:id/reactions", msgH.ToggleReaction)

		v1.GET("/channels/:id/messages", msgH.List)
		v1.GET("/channels/:id/access", modH.EvaluateAccess)
		v1.POST("/channels/:id/typing", typH.Signal)

		v1.POST("/restrictions", modH.Apply)
		v1.DELETE("/restrictions", modH.Lift)

		v1.GET("/guilds/:id/channels", dirH.ListChannels)
		v1.GET("/guilds/:id/categories", dirH.ListCategories)
		v1.GET("/guilds/:id/presence", dirH.Presence)
	}
}
