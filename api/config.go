package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/codehooks-metering/metering-engine/common"
	"github.com/codehooks-metering/metering-engine/config"
	"github.com/codehooks-metering/metering-engine/model"
)

// getConfig implements GET /config per spec.md §6: the loaded config
// document, for operational inspection. Webhook secrets are masked so the
// endpoint is safe to expose behind an internal dashboard.
func (h *Handlers) getConfig(c echo.Context) error {
	cfg := h.Config()
	return c.JSON(http.StatusOK, RedactSecrets(cfg))
}

// RedactSecrets masks webhook signing secrets and the CouchDB password so
// the config document is safe to print or expose, for both the GET /config
// endpoint and the `meteringd config` command.
func RedactSecrets(cfg config.AppConfig) config.AppConfig {
	masked := make([]model.WebhookConfig, len(cfg.Metering.Webhooks))
	for i, wh := range cfg.Metering.Webhooks {
		wh.Secret = common.MaskSecret(wh.Secret)
		masked[i] = wh
	}
	cfg.Metering.Webhooks = masked
	cfg.CouchDBPass = common.MaskSecret(cfg.CouchDBPass)
	return cfg
}
