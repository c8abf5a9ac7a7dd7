package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/service"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

// actorHeader names the operator when the body leaves actor empty.
const actorHeader = "X-Actor"

func actorFrom(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get(actorHeader)
}

type badgeBody struct {
	Badge types.Badge `json:"badge"`
}

type badgeListBody struct {
	Badges []types.Badge `json:"badges"`
}

func (s *Server) handleIssueBadge(w http.ResponseWriter, r *http.Request) {
	var req service.IssueRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	req.Actor = actorFrom(r, req.Actor)

	b, err := s.badges.Issue(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, badgeBody{Badge: b})
}

func (s *Server) handleReplaceBadge(w http.ResponseWriter, r *http.Request) {
	var req service.ReplaceRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	req.Actor = actorFrom(r, req.Actor)

	b, err := s.badges.Replace(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, badgeBody{Badge: b})
}

type lifecycleRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (s *Server) handleDeactivateBadge(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	b, err := s.badges.Deactivate(r.Context(), chi.URLParam(r, "cardUID"), req.Reason, actorFrom(r, req.Actor))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, badgeBody{Badge: b})
}

func (s *Server) handleReactivateBadge(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := decode(r, &req); err != nil {
		writeDecodeError(w, r, err)
		return
	}
	b, err := s.badges.Reactivate(r.Context(), chi.URLParam(r, "cardUID"), req.Reason, actorFrom(r, req.Actor))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, badgeBody{Badge: b})
}

func (s *Server) handleGetBadge(w http.ResponseWriter, r *http.Request) {
	b, err := s.badges.Get(r.Context(), chi.URLParam(r, "cardUID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, badgeBody{Badge: b})
}

func (s *Server) handleBadgeLog(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "cardUID")
	log, err := s.badges.History(r.Context(), uid)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if log == nil {
		log = []types.BadgeIssueLog{}
	}
	respond(w, r, http.StatusOK, struct {
		CardUID string                `json:"card_uid"`
		Log     []types.BadgeIssueLog `json:"log"`
	}{uid, log})
}

func (s *Server) handleEmployeeBadge(w http.ResponseWriter, r *http.Request) {
	b, err := s.badges.ActiveForEmployee(r.Context(), chi.URLParam(r, "employeeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, badgeBody{Badge: b})
}

func (s *Server) handleEmployeeBadges(w http.ResponseWriter, r *http.Request) {
	list, err := s.badges.ListByEmployee(r.Context(), chi.URLParam(r, "employeeID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []types.Badge{}
	}
	respond(w, r, http.StatusOK, badgeListBody{Badges: list})
}
