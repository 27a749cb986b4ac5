package httpapi

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sinkron/sinkron/internal/engine"
	"github.com/sinkron/sinkron/internal/protocol"
)

type collectionBody struct {
	ID          string `json:"id"`
	IsRef       bool   `json:"isRef"`
	Colrev      int64  `json:"colrev"`
	Permissions string `json:"permissions"`
}

type idRequest struct {
	ID string `json:"id"`
}

type docRequest struct {
	ID  uuid.UUID `json:"id"`
	Col string    `json:"col"`
}

// Collections

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		IsRef       bool   `json:"isRef"`
		Permissions string `json:"permissions"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		writeError(w, protocol.BadRequest("collection id is required"))
		return
	}
	col, err := s.Store.CreateCollection(r.Context(), req.ID, req.IsRef, req.Permissions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionBody{
		ID:          col.ID,
		IsRef:       col.IsRef,
		Colrev:      col.Colrev,
		Permissions: col.Permissions,
	})
}

func (s *Server) getCollection(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	col, err := s.Store.GetCollection(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, collectionBody{
		ID:          col.ID,
		IsRef:       col.IsRef,
		Colrev:      col.Colrev,
		Permissions: col.Permissions,
	})
}

// deleteCollection stops the live actor first so subscribers disconnect,
// then removes the rows.
func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Engine.DropCollection(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.DeleteCollection(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	log.Info().Str("col", req.ID).Msg("collection deleted")
	writeJSON(w, http.StatusOK, struct{}{})
}

// Documents

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	var req docRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	col, err := s.Engine.Collection(r.Context(), req.Col)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := col.Get(r.Context(), req.ID, engine.APISource())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) createDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          uuid.UUID `json:"id"`
		Col         string    `json:"col"`
		Data        string    `json:"data"`
		Permissions *string   `json:"permissions"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	col, err := s.Engine.Collection(r.Context(), req.Col)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := col.Create(r.Context(), req.ID, req.Data, engine.APISource(), uuid.New())
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Permissions != nil {
		if err := s.Store.UpdateDocumentPermissions(r.Context(), req.Col, req.ID, *req.Permissions); err != nil {
			writeError(w, err)
			return
		}
		doc.Permissions = *req.Permissions
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) updateDocument(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID   uuid.UUID `json:"id"`
		Col  string    `json:"col"`
		Data string    `json:"data"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	col, err := s.Engine.Collection(r.Context(), req.Col)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := col.Update(r.Context(), req.ID, req.Data, engine.APISource(), uuid.New())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	var req docRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	col, err := s.Engine.Collection(r.Context(), req.Col)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := col.Delete(r.Context(), req.ID, engine.APISource(), uuid.New())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Groups & users

func (s *Server) getUser(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	user, err := s.Groups.GetUser(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) getGroup(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	group, err := s.Groups.GetGroup(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ID == "" {
		writeError(w, protocol.BadRequest("group id is required"))
		return
	}
	if err := s.Groups.CreateGroup(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Groups.DeleteGroup(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type userGroupRequest struct {
	User  string `json:"user"`
	Group string `json:"group"`
}

func (s *Server) addUserToGroup(w http.ResponseWriter, r *http.Request) {
	var req userGroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Groups.AddUserToGroup(r.Context(), req.User, req.Group); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) removeUserFromGroup(w http.ResponseWriter, r *http.Request) {
	var req userGroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Groups.RemoveUserFromGroup(r.Context(), req.User, req.Group); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) removeUserFromAllGroups(w http.ResponseWriter, r *http.Request) {
	var req idRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Groups.RemoveUserFromAllGroups(r.Context(), req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// Permissions

func (s *Server) updateCollectionPermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          string `json:"id"`
		Permissions string `json:"permissions"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.UpdateCollectionPermissions(r.Context(), req.ID, req.Permissions); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) updateDocumentPermissions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID          uuid.UUID `json:"id"`
		Col         string    `json:"col"`
		Permissions string    `json:"permissions"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.Store.UpdateDocumentPermissions(r.Context(), req.Col, req.ID, req.Permissions); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// Presence channels

func (s *Server) sendToChannel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Channel string `json:"channel"`
		Message string `json:"message"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Channel == "" {
		writeError(w, protocol.BadRequest("channel is required"))
		return
	}
	s.Channels.Send(req.Channel, req.Message)
	writeJSON(w, http.StatusOK, struct{}{})
}
