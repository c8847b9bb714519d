package handler

import (
	"embed"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	sessionHandler "github.com/silabot/sila/internal/handler/session"
	middlewarePkg "github.com/silabot/sila/internal/middleware"
	"github.com/silabot/sila/internal/service/broker"
	"github.com/silabot/sila/internal/service/lifecycle"
	"github.com/silabot/sila/pkg/utils"
)

//go:embed static/index.html
var staticFS embed.FS

// NewRouter wires HTTP routes to the session lifecycle.
func NewRouter(ctrl *lifecycle.Controller, events *broker.Broker) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/", handleIndex)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	sessionHandler.New(ctrl, events).RegisterRoutes(r)

	return r
}

func handleIndex(w http.ResponseWriter, _ *http.Request) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, "entry page unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(page)
}
