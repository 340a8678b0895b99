// Package api exposes the HTTP and WebSocket surface: session CRUD, the two
// WebSocket endpoints the bridge runs on, cron job management, directory
// browsing, and preferences.
package api

import (
	"github.com/xiaoyuanzhu-com/claude-bridge/bridge"
	"github.com/xiaoyuanzhu-com/claude-bridge/cron"
	"github.com/xiaoyuanzhu-com/claude-bridge/launcher"
	"github.com/xiaoyuanzhu-com/claude-bridge/log"
	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

var logger = log.GetLogger("api")

// Handlers carries the runtime components the endpoints operate on.
type Handlers struct {
	Launcher *launcher.Launcher
	Bridge   *bridge.Bridge
	Cron     *cron.Scheduler
	Store    store.SessionStore
}

// NewHandlers wires the handler set.
func NewHandlers(l *launcher.Launcher, b *bridge.Bridge, c *cron.Scheduler, st store.SessionStore) *Handlers {
	return &Handlers{
		Launcher: l,
		Bridge:   b,
		Cron:     c,
		Store:    st,
	}
}
