package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/vendaflow/vendaflow/internal/agent/core"
)

// TurnProcessor runs one turn of the conversation engine.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, turn core.Turn) (core.TurnResult, error)
	LLMProviderInfo() []string
}

// CarryStore persists the per-session fragment between turns.
type CarryStore interface {
	Get(ctx context.Context, sessionID string) (core.Carry, error)
	Put(ctx context.Context, sessionID string, carry core.Carry) error
}

// ChatHandler turns one user message into one orchestrated turn.
type ChatHandler struct {
	Orch     TurnProcessor
	Sessions CarryStore
	Logger   *log.Logger
}

func (h *ChatHandler) Register(g *echo.Group, secret []byte) {
	grp := g
	grp.Use(withAuth(secret))
	grp.POST("", h.chat)
	grp.GET("/info", h.info)
}

func (h *ChatHandler) chat(c echo.Context) error {
	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Message) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message is required")
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	ctx := c.Request().Context()
	carry, err := h.Sessions.Get(ctx, sessionID)
	if err != nil {
		h.Logger.Printf("session %s carry load failed, starting fresh: %v", sessionID, err)
		carry = core.Carry{}
	}

	turn := core.Turn{
		SessionID: sessionID,
		Text:      req.Message,
		Carry:     carry,
		Timestamp: time.Now(),
	}
	result, err := h.Orch.ProcessTurn(ctx, turn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	if err := h.Sessions.Put(ctx, sessionID, result.Carry); err != nil {
		h.Logger.Printf("session %s carry save failed: %v", sessionID, err)
	}

	resp := ChatResponse{
		SessionID:    sessionID,
		TurnID:       result.ID,
		Reply:        result.Reply,
		ProposalID:   result.Carry.ProposalID,
		Replanned:    result.Replanned,
		IntentsRun:   result.IntentsRun,
		Segments:     make([]ChatSegment, 0, len(result.Segments)),
		ProcessingMS: result.ProcessingTime.Milliseconds(),
		TokensUsed:   result.TokensUsed,
	}
	if result.Carry.Lead != nil {
		resp.LeadID = result.Carry.Lead.ID
	}
	for _, seg := range result.Segments {
		resp.Segments = append(resp.Segments, ChatSegment{
			Intent: string(seg.Intent),
			OK:     seg.OK,
			Text:   seg.Text,
			Data:   seg.Data,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) info(c echo.Context) error {
	return c.JSON(http.StatusOK, InfoResponse{Models: h.Orch.LLMProviderInfo()})
}
