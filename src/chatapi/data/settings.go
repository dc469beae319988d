package data

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/stake-plus/guildchat/src/chatapi/types"
)

// Operator tunables (message length cap, moderation webhook) live in the
// settings table and are cached here; chat traffic reads them on every
// send, so lookups never hit the database.
var (
	settingsMu    sync.RWMutex
	settingsCache map[string]string
)

// LoadSettings (re)fills the cache from the settings table.
func LoadSettings(db *gorm.DB) error {
	var rows []types.Setting
	if err := db.Find(&rows).Error; err != nil {
		return err
	}

	cache := make(map[string]string, len(rows))
	for _, s := range rows {
		cache[s.Name] = s.Value
	}

	settingsMu.Lock()
	settingsCache = cache
	settingsMu.Unlock()
	return nil
}

// GetSetting returns the cached value for name, empty when unset.
func GetSetting(name string) string {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settingsCache[name]
}

// GetSettingInt parses a numeric setting, falling back to def when the
// setting is unset, malformed, or not positive.
func GetSettingInt(name string, def int) int {
	v := GetSetting(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// RefreshSettings reloads the cache on an interval until ctx is done, so
// an operator edit to the table takes effect without a restart.
func RefreshSettings(ctx context.Context, db *gorm.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := LoadSettings(db); err != nil {
				log.Printf("settings refresh: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
