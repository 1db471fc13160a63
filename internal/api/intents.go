package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/chatdesk/internal/nlu"
)

const intentNotFound = "Intent not found"

type intentRequest struct {
	Name     string   `json:"intent_name"`
	Examples []string `json:"examples"`
}

type classifyRequest struct {
	Text string `json:"text"`
}

func handleListIntents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := deps.Intents.List(r.Context())
		if err != nil {
			writeError(w, r, err, intentNotFound)
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func handleCreateIntent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req intentRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		in, err := deps.Intents.Create(r.Context(), req.Name, req.Examples)
		if err != nil {
			writeError(w, r, err, intentNotFound)
			return
		}
		writeJSON(w, http.StatusCreated, in)
	}
}

func handleGetIntent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		in, err := deps.Intents.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, intentNotFound)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func handleUpdateIntent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req intentRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		in, err := deps.Intents.Update(r.Context(), chi.URLParam(r, "id"), req.Name, req.Examples)
		if err != nil {
			writeError(w, r, err, intentNotFound)
			return
		}
		writeJSON(w, http.StatusOK, in)
	}
}

func handleDeleteIntent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Intents.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, intentNotFound)
			return
		}
		writeMessage(w, "Intent deleted successfully")
	}
}

func handleClassify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		m, err := deps.Intents.Classify(r.Context(), req.Text)
		if err != nil {
			writeError(w, r, err, intentNotFound)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func handleImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		replace := false
		if v := r.URL.Query().Get("replace"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "replace must be a boolean")
				return
			}
			replace = b
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxImportBodySize)
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "reading request body: %v", err)
			return
		}

		data, err := nlu.Parse(bytes.NewReader(body))
		if err != nil {
			httpError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid training data: %v", err)
			return
		}

		res, err := deps.Intents.Import(r.Context(), data, replace)
		if err != nil {
			writeError(w, r, err, intentNotFound)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := deps.Intents.Export(r.Context())
		if err != nil {
			writeError(w, r, err, intentNotFound)
			return
		}

		var buf bytes.Buffer
		if err := nlu.Write(&buf, data); err != nil {
			writeError(w, r, err, intentNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/x-yaml")
		w.Header().Set("Content-Disposition", `attachment; filename="nlu.yml"`)
		w.Write(buf.Bytes())
	}
}
