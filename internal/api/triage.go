package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatdesk/internal/intents"
	"github.com/kalambet/chatdesk/internal/triage"
)

const queryNotFound = "Query not found"

type resolveRequest struct {
	QueryID    string `json:"queryId"`
	IntentName string `json:"intentName"`
	Example    string `json:"example"`
}

type chatRequest struct {
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

func handleListQueries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Triage.Pending(r.Context())
		if err != nil {
			writeError(w, r, err, queryNotFound)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleGetQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := deps.Triage.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, queryNotFound)
			return
		}
		writeJSON(w, http.StatusOK, q)
	}
}

func handleResolveQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resolveRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		if _, err := deps.Triage.Resolve(r.Context(), req.QueryID, req.IntentName, req.Example); err != nil {
			writeError(w, r, err, queryNotFound)
			return
		}
		writeMessage(w, "Query handled successfully")
	}
}

func handleDiscardQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Triage.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, queryNotFound)
			return
		}
		writeMessage(w, "Query discarded")
	}
}

// handleChat forwards a chat turn. Failures still answer with the fallback
// reply array so the chat widget can render it.
func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		sender := req.Sender
		if sender == "" {
			sender = deps.Sender
		}

		replies, err := deps.Triage.Ingest(r.Context(), sender, req.Message)
		if err != nil {
			var ve *intents.ValidationError
			if errors.As(err, &ve) || len(replies) == 0 {
				writeError(w, r, err, queryNotFound)
				return
			}
			slog.Error("chat turn failed", "sender", sender, "classifier_unavailable", errors.Is(err, triage.ErrClassifierUnavailable), "error", err)
			writeJSON(w, http.StatusInternalServerError, replies)
			return
		}
		writeJSON(w, http.StatusOK, replies)
	}
}
