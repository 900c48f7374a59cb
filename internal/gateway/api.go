package gateway

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/parlorbank/voxgate/internal/persona"
	"github.com/parlorbank/voxgate/internal/protocol"
	"github.com/parlorbank/voxgate/internal/registry"
	"github.com/parlorbank/voxgate/internal/sessions"
	"github.com/parlorbank/voxgate/pkg/memory"
)

// mapError converts domain sentinels into HTTP status codes. Anything
// unrecognised bubbles up as a 500 through echo's default handling.
func mapError(err error) error {
	switch {
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, memory.ErrSessionNotFound),
		errors.Is(err, persona.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, persona.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, persona.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, registry.ErrNoHealthyAgent):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, sessions.ErrTargetUnhealthy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, memory.ErrStorageUnavailable), errors.Is(err, registry.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return err
	}
}

// ── agents ──

func (s *Server) listAgentsHandler(c *echo.Context) error {
	infos, err := s.registry.List(c.Request().Context())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"agents": infos,
		"count":  len(infos),
	})
}

func (s *Server) registerAgentHandler(c *echo.Context) error {
	var info registry.AgentInfo
	if err := c.Bind(&info); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid agent registration body")
	}
	if info.AgentID == "" || info.URL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agentId and url are required")
	}
	if info.Status != "" && !info.Status.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(info.Status))
	}

	ctx := c.Request().Context()
	if err := s.registry.Register(ctx, info); err != nil {
		return mapError(err)
	}
	registered, err := s.registry.Get(ctx, info.AgentID)
	if err != nil {
		return mapError(err)
	}
	s.log.Info("agent registered", "agent", info.AgentID, "url", info.URL, "capabilities", info.Capabilities)
	return c.JSON(http.StatusCreated, registered)
}

func (s *Server) getAgentHandler(c *echo.Context) error {
	info, err := s.registry.Get(c.Request().Context(), c.Param("agentId"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) agentStatusHandler(c *echo.Context) error {
	var body struct {
		Status registry.Status `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status body")
	}
	if !body.Status.IsValid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(body.Status))
	}

	ctx := c.Request().Context()
	agentID := c.Param("agentId")
	var err error
	if body.Status == registry.StatusHealthy {
		// A healthy report doubles as the heartbeat.
		err = s.registry.Heartbeat(ctx, agentID)
	} else {
		err = s.registry.SetStatus(ctx, agentID, body.Status)
	}
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}

// ── session memory ──

func (s *Server) getMemoryHandler(c *echo.Context) error {
	sessionID := c.Param("sessionId")
	mem, err := s.sessions.Memory(c.Request().Context(), sessionID)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"memory":    mem,
	})
}

func (s *Server) patchMemoryHandler(c *echo.Context) error {
	agentID := c.Request().Header.Get("X-Agent-Id")
	if agentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "X-Agent-Id header is required")
	}

	var body struct {
		Memory map[string]any `json:"memory"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid memory body")
	}
	if len(body.Memory) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "memory patch is empty")
	}

	sessionID := c.Param("sessionId")
	sess, err := s.sessions.UpdateMemory(c.Request().Context(), sessionID, body.Memory)
	if err != nil {
		return mapError(err)
	}
	s.log.Info("memory patched over REST", "session", sessionID, "agent", agentID)

	// A live session's current agent sees the merged state immediately.
	if ls := s.lookup(sessionID); ls != nil {
		ls.echoMemory(sess.Memory)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"memory":    sess.Memory,
	})
}

// ── transfer ──

// transferHandler moves a session to another agent over REST. A live session
// goes through the same migration path agent-initiated handoffs use; a
// detached one is reassigned in the store only.
func (s *Server) transferHandler(c *echo.Context) error {
	var body struct {
		TargetAgentID    string         `json:"targetAgentId"`
		TargetCapability string         `json:"targetCapability"`
		Context          map[string]any `json:"context"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid transfer body")
	}
	if body.TargetAgentID == "" && body.TargetCapability == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "targetAgentId or targetCapability is required")
	}

	ctx := c.Request().Context()
	sessionID := c.Param("sessionId")

	if ls := s.lookup(sessionID); ls != nil {
		if from := ls.currentAgent(); from != nil {
			req := &protocol.HandoffRequest{
				Type:             protocol.TypeHandoffRequest,
				TargetAgentID:    body.TargetAgentID,
				TargetCapability: body.TargetCapability,
				Context:          body.Context,
			}
			if err := ls.migrate(ctx, req, from); err != nil {
				return mapError(err)
			}
			sess, err := s.sessions.Get(ctx, sessionID)
			if err != nil {
				return mapError(err)
			}
			return c.JSON(http.StatusOK, sess)
		}
	}

	targetID := body.TargetAgentID
	if targetID == "" {
		info, err := s.registry.FindByCapability(ctx, body.TargetCapability)
		if err != nil {
			return mapError(err)
		}
		targetID = info.AgentID
	}
	sess, err := s.sessions.Transfer(ctx, sessionID, targetID, body.Context)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// ── personas ──

func (s *Server) listPersonasHandler(c *echo.Context) error {
	defs, err := s.catalog.List()
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"personas": defs,
		"count":    len(defs),
	})
}

func (s *Server) createPersonaHandler(c *echo.Context) error {
	var def persona.Definition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid persona body")
	}
	if err := s.catalog.Create(def); err != nil {
		return mapError(err)
	}
	s.log.Info("persona created", "persona", def.ID)
	return c.JSON(http.StatusCreated, def)
}

func (s *Server) getPersonaHandler(c *echo.Context) error {
	def, err := s.catalog.Get(c.Param("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, def)
}

func (s *Server) updatePersonaHandler(c *echo.Context) error {
	var def persona.Definition
	if err := c.Bind(&def); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid persona body")
	}
	id := c.Param("id")
	if err := s.catalog.Update(id, def); err != nil {
		return mapError(err)
	}
	s.log.Info("persona updated", "persona", id)
	def.ID = id
	return c.JSON(http.StatusOK, def)
}

func (s *Server) deletePersonaHandler(c *echo.Context) error {
	id := c.Param("id")
	if err := s.catalog.Delete(id); err != nil {
		return mapError(err)
	}
	s.log.Info("persona deleted", "persona", id)
	return c.NoContent(http.StatusNoContent)
}
