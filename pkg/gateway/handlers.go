package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/zyuc/mockbroker/pkg/decision"
	"github.com/zyuc/mockbroker/pkg/filter"
	"github.com/zyuc/mockbroker/pkg/httputil"
)

// ListResponse is the body of GET /requests.
type ListResponse struct {
	Requests []decision.Snapshot `json:"requests"`
	Count    int                 `json:"count"`
	Total    int                 `json:"total"`
	Projects []string            `json:"projects"`
}

// EditRequest is the body of PUT /requests/{id}/body.
type EditRequest struct {
	ResponseBody string `json:"responseBody"`
}

// SubmitRequest is the body of POST /requests/{id}/submit. Without a body
// the current candidate response is submitted.
type SubmitRequest struct {
	ResponseBody *string `json:"responseBody,omitempty"`
	UseDefault   bool    `json:"useDefault,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	httputil.WriteOK(w, s.broker.Status())
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	httputil.WriteOK(w, filter.Projects(s.broker.Arena().List()))
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := filter.Compile(filter.Criteria{
		Project:  q.Get("project"),
		Search:   q.Get("search"),
		Endpoint: q.Get("endpoint"),
		Expr:     q.Get("expr"),
	})
	if err != nil {
		httputil.WriteBadRequest(w, "invalid_filter", err.Error())
		return
	}

	all := s.broker.Arena().List()
	matched := f.Apply(all)
	httputil.WriteOK(w, ListResponse{
		Requests: matched,
		Count:    len(matched),
		Total:    len(all),
		Projects: filter.Projects(all),
	})
}

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*decision.Engine, bool) {
	id := r.PathValue("id")
	e, ok := s.broker.Arena().Get(id)
	if !ok {
		httputil.WriteNotFound(w, "not_found", "request "+id+" not found")
		return nil, false
	}
	return e, true
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	httputil.WriteOK(w, e.Snapshot())
}

func (s *Server) handleEditRequest(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req EditRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid_body", err.Error())
		return
	}
	if err := e.Edit(req.ResponseBody); err != nil {
		writeDecisionError(w, err)
		return
	}
	httputil.WriteOK(w, e.Snapshot())
}

func (s *Server) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req SubmitRequest
	if err := httputil.ReadJSON(r, &req); err != nil && !errors.Is(err, httputil.ErrEmptyBody) {
		httputil.WriteBadRequest(w, "invalid_body", err.Error())
		return
	}

	// Delivery outlives the HTTP request so a client hanging up does not
	// leave the decision half-submitted.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.respondTimeout)
	defer cancel()

	var err error
	switch {
	case req.UseDefault:
		err = e.SubmitDefault(ctx)
	case req.ResponseBody != nil:
		err = e.Submit(ctx, *req.ResponseBody)
	default:
		err = e.Submit(ctx, e.Snapshot().ResponseBody)
	}
	if err != nil {
		writeDecisionError(w, err)
		return
	}
	httputil.WriteOK(w, e.Snapshot())
}

func (s *Server) handleDismissRequest(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Arena().Dismiss(r.PathValue("id")); err != nil {
		writeDecisionError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	initial, err := encodeMessage(MessageStatus, s.broker.Status())
	if err != nil {
		s.log.Error("failed to encode status", "error", err)
		initial = nil
	}
	s.feed.Serve(w, r, initial)
}

func writeDecisionError(w http.ResponseWriter, err error) {
	var de *decision.DeliveryError
	switch {
	case errors.Is(err, decision.ErrNotFound):
		httputil.WriteNotFound(w, "not_found", err.Error())
	case errors.Is(err, decision.ErrSubmitInFlight):
		httputil.WriteConflict(w, "submit_in_flight", err.Error())
	case errors.Is(err, decision.ErrCompleted):
		httputil.WriteConflict(w, "completed", err.Error())
	case errors.Is(err, decision.ErrNotEditable):
		httputil.WriteConflict(w, "not_editable", err.Error())
	case errors.Is(err, decision.ErrStillOpen):
		httputil.WriteConflict(w, "still_open", err.Error())
	case errors.As(err, &de):
		httputil.WriteBadGateway(w, "delivery_failed", decision.Reason(err))
	default:
		httputil.WriteError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
