// Package httpapi exposes the admin HTTP surface, the /sync websocket
// endpoint and the /channels presence endpoint.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sinkron/sinkron/internal/auth"
	"github.com/sinkron/sinkron/internal/channels"
	"github.com/sinkron/sinkron/internal/config"
	"github.com/sinkron/sinkron/internal/engine"
	"github.com/sinkron/sinkron/internal/groups"
	"github.com/sinkron/sinkron/internal/protocol"
	"github.com/sinkron/sinkron/internal/store"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	Cfg      config.Config
	Store    store.Store
	Engine   *engine.Root
	Groups   *groups.API
	Channels *channels.Hub
	Auth     *auth.Resolver
}

// Routes creates the HTTP router. Admin endpoints are gated by the api
// token; /sync, /channels and /metrics are open.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("Sinkron api"))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/sync", s.handleSync)
	r.Get("/channels", s.handleChannels)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIToken)

		// Collections
		r.Post("/create_collection", s.createCollection)
		r.Post("/get_collection", s.getCollection)
		r.Post("/delete_collection", s.deleteCollection)

		// Documents, routed through the collection actor so API writes
		// broadcast and bump colrev exactly like client writes.
		r.Post("/get_document", s.getDocument)
		r.Post("/create_document", s.createDocument)
		r.Post("/update_document", s.updateDocument)
		r.Post("/delete_document", s.deleteDocument)

		// Groups & users
		r.Post("/get_user", s.getUser)
		r.Post("/get_group", s.getGroup)
		r.Post("/create_group", s.createGroup)
		r.Post("/delete_group", s.deleteGroup)
		r.Post("/add_user_to_group", s.addUserToGroup)
		r.Post("/remove_user_from_group", s.removeUserFromGroup)
		r.Post("/remove_user_from_all_groups", s.removeUserFromAllGroups)

		// Permissions
		r.Post("/update_collection_permissions", s.updateCollectionPermissions)
		r.Post("/update_document_permissions", s.updateDocumentPermissions)

		// Presence channels
		r.Post("/send_to_channel", s.sendToChannel)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

func (s *Server) requireAPIToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-sinkron-api-token") != s.Cfg.APIToken {
			writeError(w, protocol.AuthFailed("invalid authorization token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

type errorBody struct {
	Error *protocol.Error `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	e := protocol.AsError(err)
	writeJSON(w, protocol.HTTPStatus(e.Code), errorBody{Error: e})
}

// decode parses a JSON request body into v; a failure is a bad_request.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return protocol.BadRequest("invalid request body")
	}
	return nil
}
