package server

import (
	"context"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"
	hertzserver "github.com/cloudwego/hertz/pkg/app/server"
	"github.com/pkg/errors"

	"github.com/hatcher/agentloop/coordinator"
	"github.com/hatcher/agentloop/pkg/hertzx"
	"github.com/hatcher/agentloop/pkg/resp"
	"github.com/hatcher/agentloop/session"
	"github.com/hatcher/agentloop/store"
	"github.com/hatcher/agentloop/tools"
)

// Server exposes the session runtime over HTTP, WebSocket and SSE.
type Server struct {
	coord *coordinator.Coordinator
	store *store.Store
}

func New(coord *coordinator.Coordinator, st *store.Store) *Server {
	return &Server{coord: coord, store: st}
}

// RegisterRoutes mounts the runtime API under /api/v1.
func (s *Server) RegisterRoutes(h *hertzserver.Hertz) {
	v1 := h.Group("/api/v1")

	sessions := v1.Group("/sessions")
	sessions.POST("", s.createSession)
	sessions.POST("/:id/start", s.startResearch)
	sessions.POST("/:id/messages", s.postMessage)
	sessions.POST("/:id/terminate", s.terminateSession)
	sessions.GET("/:id/status", s.status)
	sessions.GET("/:id/state", s.sessionState)
	sessions.POST("/:id/state", s.loadSessionState)
	sessions.POST("/:id/restore", s.restoreSession)
	sessions.GET("/:id/stream", s.conversationStream)
	sessions.GET("/:id/events", s.conversationEvents)

	v1.POST("/research/sync", s.runSync)
	v1.GET("/owners/:owner_id/snapshots", s.listSnapshots)
}

type createSessionReq struct {
	OwnerID string         `json:"owner_id"`
	OrgID   string         `json:"org_id,omitempty"`
	Config  session.Config `json:"config"`
}

func (s *Server) createSession(ctx context.Context, c *app.RequestContext) {
	var req createSessionReq
	if err := c.BindAndValidate(&req); err != nil {
		hertzx.Bad(c, err.Error())
		return
	}
	if req.OwnerID == "" {
		hertzx.Bad(c, "owner_id is required")
		return
	}
	sid, err := s.coord.CreateSession(ctx, req.OwnerID, req.OrgID, req.Config)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Success(map[string]string{"session_id": sid}))
}

type startResearchReq struct {
	Instruction string `json:"instruction"`
}

func (s *Server) startResearch(ctx context.Context, c *app.RequestContext) {
	var req startResearchReq
	if err := c.BindAndValidate(&req); err != nil {
		hertzx.Bad(c, err.Error())
		return
	}
	if err := s.coord.StartResearch(ctx, c.Param("id"), req.Instruction); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Message("started"))
}

type postMessageReq struct {
	Text        string               `json:"text"`
	Attachments []session.Attachment `json:"attachments,omitempty"`
}

func (s *Server) postMessage(ctx context.Context, c *app.RequestContext) {
	var req postMessageReq
	if err := c.BindAndValidate(&req); err != nil {
		hertzx.Bad(c, err.Error())
		return
	}
	if req.Text == "" {
		hertzx.Bad(c, "text is required")
		return
	}
	if err := s.coord.PostMessage(ctx, c.Param("id"), req.Text, req.Attachments); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Message("posted"))
}

func (s *Server) terminateSession(ctx context.Context, c *app.RequestContext) {
	if err := s.coord.Terminate(ctx, c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	st, err := s.coord.Status(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Success(st))
}

func (s *Server) status(ctx context.Context, c *app.RequestContext) {
	st, err := s.coord.Status(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Success(st))
}

func (s *Server) sessionState(ctx context.Context, c *app.RequestContext) {
	state, err := s.coord.SessionState(c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Success(state))
}

type loadStateReq struct {
	ConversationLog []session.ConversationEntry `json:"conversation_log"`
	Context         []session.ContextEntry      `json:"context,omitempty"`
}

func (s *Server) loadSessionState(ctx context.Context, c *app.RequestContext) {
	var req loadStateReq
	if err := c.BindAndValidate(&req); err != nil {
		hertzx.Bad(c, err.Error())
		return
	}
	if err := s.coord.LoadSessionState(c.Param("id"), req.ConversationLog, req.Context); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Message("loaded"))
}

// restoreSession seeds a fresh Idle session from a persisted snapshot,
// carrying over the owner, config, log and context ledger.
func (s *Server) restoreSession(ctx context.Context, c *app.RequestContext) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, resp.Error(resp.Failed, "no snapshot store configured"))
		return
	}
	sid := c.Param("id")
	row, state, err := s.store.LoadOwned(ctx, sid)
	if err != nil {
		respondErr(c, err)
		return
	}
	newID, err := s.coord.CreateSession(ctx, row.OwnerID, row.OrgID, state.Config)
	if err != nil {
		respondErr(c, err)
		return
	}
	if err := s.coord.LoadSessionState(newID, state.Log, state.Context); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Success(map[string]string{"session_id": newID}))
}

type runSyncReq struct {
	OwnerID     string         `json:"owner_id"`
	OrgID       string         `json:"org_id,omitempty"`
	Config      session.Config `json:"config"`
	Instruction string         `json:"instruction"`
}

func (s *Server) runSync(ctx context.Context, c *app.RequestContext) {
	var req runSyncReq
	if err := c.BindAndValidate(&req); err != nil {
		hertzx.Bad(c, err.Error())
		return
	}
	if req.Instruction == "" {
		hertzx.Bad(c, "instruction is required")
		return
	}
	state, err := s.coord.RunSync(ctx, req.OwnerID, req.OrgID, req.Config, req.Instruction)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Success(state))
}

func (s *Server) listSnapshots(ctx context.Context, c *app.RequestContext) {
	if s.store == nil {
		c.JSON(http.StatusNotImplemented, resp.Error(resp.Failed, "no snapshot store configured"))
		return
	}
	rows, err := s.store.ListByOwner(ctx, c.Param("owner_id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp.Success(rows))
}

// respondErr maps runtime errors to HTTP codes: input errors are the
// caller's fault, everything else is ours.
func respondErr(c *app.RequestContext, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrSnapshotNotFound):
		c.JSON(http.StatusNotFound, resp.Error(resp.NotFound, err.Error()))
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, session.ErrAbsorbed),
		errors.Is(err, session.ErrNotIdle),
		errors.Is(err, session.ErrNotEmpty),
		errors.Is(err, tools.ErrInvalidParameters),
		errors.Is(err, tools.ErrUnknownTool),
		errors.Is(err, tools.ErrDisallowed):
		c.JSON(http.StatusBadRequest, resp.Error(resp.BadRequest, err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, resp.Error(resp.Failed, err.Error()))
	}
}
