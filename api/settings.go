package api

import (
	"github.com/gin-gonic/gin"

	"github.com/xiaoyuanzhu-com/claude-bridge/db"
	"github.com/xiaoyuanzhu-com/claude-bridge/log"
)

// GetSettings handles GET /api/settings.
func (h *Handlers) GetSettings(c *gin.Context) {
	settings, err := db.GetAllSettings()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load settings")
		RespondInternalError(c, "failed to load settings")
		return
	}
	RespondData(c, settings)
}

// UpdateSettings handles PUT /api/settings with a partial key/value map.
func (h *Handlers) UpdateSettings(c *gin.Context) {
	var body map[string]string
	if err := c.ShouldBindJSON(&body); err != nil {
		RespondBadRequest(c, "invalid request body")
		return
	}

	if err := db.UpdateSettings(body); err != nil {
		logger.Error().Err(err).Msg("failed to update settings")
		RespondInternalError(c, "failed to update settings")
		return
	}

	// Log level changes apply immediately.
	if level, ok := body[db.SettingLogLevel]; ok {
		log.SetLevel(level)
	}

	settings, err := db.GetAllSettings()
	if err != nil {
		RespondInternalError(c, "failed to load settings")
		return
	}
	RespondData(c, settings)
}
