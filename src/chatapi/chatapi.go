package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/stake-plus/guildchat/src/chatapi/config"
	"github.com/stake-plus/guildchat/src/chatapi/data"
	"github.com/stake-plus/guildchat/src/chatapi/directory"
	"github.com/stake-plus/guildchat/src/chatapi/discord"
	"github.com/stake-plus/guildchat/src/chatapi/dispatch"
	"github.com/stake-plus/guildchat/src/chatapi/messages"
	"github.com/stake-plus/guildchat/src/chatapi/presence"
	"github.com/stake-plus/guildchat/src/chatapi/reactions"
	"github.com/stake-plus/guildchat/src/chatapi/restrict"
	"github.com/stake-plus/guildchat/src/chatapi/webserver"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	db := data.MustMySQL(cfg.MySQLDSN)
	data.Migrate(db)

	if err := data.LoadSettings(db); err != nil {
		log.Printf("failed to load settings: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go data.RefreshSettings(ctx, db, time.Minute)

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = data.MustRedis(cfg.RedisURL)
	}

	webhook := cfg.ModerationWebhook
	if webhook == "" {
		webhook = data.GetSetting("moderation_webhook")
	}

	hub := dispatch.NewHub(rdb)
	dir := directory.New(db)
	alerts := discord.NewAlertSender(webhook)
	engine := restrict.New(db, dir, hub, alerts)
	store := messages.NewStore(db, dir, engine, hub)
	reacts := reactions.New(db, dir, engine, hub)
	tracker := presence.NewTracker(hub)

	go tracker.Run(time.Duration(cfg.SweepInterval) * time.Second)
	defer tracker.Stop()

	router := webserver.New(cfg, webserver.Deps{
		Directory: dir,
		Engine:    engine,
		Store:     store,
		Reactions: reacts,
		Tracker:   tracker,
		Hub:       hub,
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections outlive any write timeout
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()
	log.Printf("GuildChat API listening on %s", cfg.Port)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutCtx, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()
	_ = httpSrv.Shutdown(shutCtx)
}
