// Package api serves the chatdesk HTTP API and the MCP tool surface.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kalambet/chatdesk/internal/intents"
	"github.com/kalambet/chatdesk/internal/triage"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxImportBodySize  = 10 << 20 // 10MB
)

type Deps struct {
	Intents *intents.Manager
	Triage  *triage.Service
	// Sender is the conversation id sent to the classifier when a chat
	// request does not carry its own.
	Sender         string
	AllowedOrigins []string
}

func NewHandler(deps Deps) http.Handler {
	if deps.Sender == "" {
		deps.Sender = "user"
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handleHealth)

	r.Route("/intents", func(r chi.Router) {
		r.Get("/", handleListIntents(deps))
		r.Post("/", handleCreateIntent(deps))
		r.Post("/classify", handleClassify(deps))
		r.Post("/import", handleImport(deps))
		r.Get("/export", handleExport(deps))
		r.Get("/{id}", handleGetIntent(deps))
		r.Put("/{id}", handleUpdateIntent(deps))
		r.Delete("/{id}", handleDeleteIntent(deps))
	})

	r.Get("/unclassified-queries", handleListQueries(deps))
	r.Post("/unclassified-queries/handle", handleResolveQuery(deps))
	r.Get("/unclassified-queries/{id}", handleGetQuery(deps))
	r.Delete("/unclassified-queries/{id}", handleDiscardQuery(deps))

	r.Post("/chat", handleChat(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
