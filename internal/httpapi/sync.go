package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sinkron/sinkron/internal/engine"
	"github.com/sinkron/sinkron/internal/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are browsers and native apps on arbitrary origins; access
	// control happens via the auth token, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSync upgrades the connection, resolves the token to a user id and
// hands the socket to the engine.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	col := r.URL.Query().Get("col")
	colrev, err := strconv.ParseInt(r.URL.Query().Get("colrev"), 10, 64)
	if col == "" || err != nil || colrev < 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	user, err := s.Auth.Resolve(r.Context(), token)
	if err != nil {
		engine.RejectSocket(conn, col, protocol.CodeOf(err))
		return
	}
	log.Debug().Str("user", user).Str("col", col).Msg("sync client authorized")

	s.Engine.Connect(conn, user, col, colrev)
}

// handleChannels upgrades the connection and runs it in the presence hub.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.Channels.Serve(conn)
}
