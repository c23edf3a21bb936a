package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/kgellert/hodatay-chatsync/internal/config"
)

func New(config config.Config, logger *slog.Logger) *Handler {
	return &Handler{config, logger}
}

// appConfigResponse carries the non-secret settings. Session and bridge
// sections are excluded from JSON on the config types.
type appConfigResponse struct {
	Env    string        `json:"env"`
	Config config.Config `json:"config"`
}

type Handler struct {
	Config config.Config
	log    *slog.Logger
}

func (h *Handler) GetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.configHandler.GetConfig"

		log := h.log.With(
			slog.String("op", op),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)

		log.Debug("config requested")

		render.JSON(w, r, appConfigResponse{
			Env:    h.Config.Env,
			Config: h.Config,
		})
	}
}
