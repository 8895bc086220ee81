package web

import (
	"errors"
	"io"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/friday/pkg/gmail"
	"github.com/teslashibe/friday/pkg/hub"
	"github.com/teslashibe/friday/pkg/media"
	"github.com/teslashibe/friday/pkg/session"
)

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.Status())
}

func (s *Server) handleToolLogs(c *fiber.Ctx) error {
	return c.JSON(s.ctrl.ToolLogs())
}

// handleConnect returns once the dial completes; the state reaches
// CONNECTED asynchronously.
func (s *Server) handleConnect(c *fiber.Ctx) error {
	err := s.ctrl.Connect(c.UserContext())
	switch {
	case err == nil:
		return c.JSON(s.ctrl.Status())
	case errors.Is(err, session.ErrMissingCredential):
		return s.fail(c, fiber.StatusBadRequest, session.MsgMissingCredential)
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrResetRequired):
		return s.fail(c, fiber.StatusConflict, err.Error())
	default:
		return s.fail(c, fiber.StatusBadGateway, session.MsgConnectFailed)
	}
}

func (s *Server) handleDisconnect(c *fiber.Ctx) error {
	s.ctrl.Disconnect()
	return c.JSON(s.ctrl.Status())
}

func (s *Server) handleReset(c *fiber.Ctx) error {
	s.ctrl.Reset()
	return c.JSON(s.ctrl.Status())
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (s *Server) handleMute(c *fiber.Ctx) error {
	var req muteRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, fiber.StatusBadRequest, "invalid body")
	}
	s.ctrl.SetMuted(req.Muted)
	return c.JSON(s.ctrl.Status())
}

type cameraRequest struct {
	On bool `json:"on"`
}

func (s *Server) handleCamera(c *fiber.Ctx) error {
	var req cameraRequest
	if err := c.BodyParser(&req); err != nil {
		return s.fail(c, fiber.StatusBadRequest, "invalid body")
	}
	if err := s.ctrl.SetCamera(c.UserContext(), req.On); err != nil {
		s.logger.Warn("camera toggle failed", "on", req.On, "error", err)
		status := fiber.StatusConflict
		if errors.Is(err, media.ErrNoCamera) {
			status = fiber.StatusServiceUnavailable
		}
		return s.fail(c, status, err.Error())
	}
	return c.JSON(s.ctrl.Status())
}

func (s *Server) handleUpload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return s.fail(c, fiber.StatusBadRequest, "missing file")
	}
	f, err := fh.Open()
	if err != nil {
		return s.fail(c, fiber.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadSize))
	if err != nil {
		return s.fail(c, fiber.StatusBadRequest, err.Error())
	}

	if err := s.ctrl.Upload(fh.Filename, fh.Header.Get(fiber.HeaderContentType), data); err != nil {
		status := fiber.StatusConflict
		if errors.Is(err, media.ErrUnsupportedUpload) || errors.Is(err, media.ErrEmptyUpload) {
			status = fiber.StatusUnsupportedMediaType
		}
		return s.fail(c, status, err.Error())
	}
	return c.JSON(fiber.Map{"uploaded": fh.Filename})
}

func (s *Server) handleGmailLogin(c *fiber.Ctx) error {
	if s.gmail == nil {
		return s.fail(c, fiber.StatusNotFound, gmail.ErrNotConfigured.Error())
	}
	return c.Redirect(s.gmail.AuthURL(), fiber.StatusFound)
}

func (s *Server) handleGmailCallback(c *fiber.Ctx) error {
	if s.gmail == nil {
		return s.fail(c, fiber.StatusNotFound, gmail.ErrNotConfigured.Error())
	}
	if c.Query("state") != gmail.State {
		return s.fail(c, fiber.StatusBadRequest, "invalid state")
	}
	if e := c.Query("error"); e != "" {
		return s.fail(c, fiber.StatusBadRequest, e)
	}
	code := c.Query("code")
	if code == "" {
		return s.fail(c, fiber.StatusBadRequest, "missing code")
	}
	if err := s.gmail.HandleCallback(c.UserContext(), code); err != nil {
		s.logger.Warn("gmail authorization failed", "error", err)
		return s.fail(c, fiber.StatusBadGateway, "authorization failed")
	}
	s.PublishStatus()
	return c.SendString("Gmail connected. You can close this window.")
}

func (s *Server) handleGmailLogout(c *fiber.Ctx) error {
	if s.gmail == nil {
		return s.fail(c, fiber.StatusNotFound, gmail.ErrNotConfigured.Error())
	}
	if err := s.gmail.Disconnect(); err != nil {
		return s.fail(c, fiber.StatusInternalServerError, err.Error())
	}
	s.PublishStatus()
	return c.JSON(s.ctrl.Status())
}

func (s *Server) fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}

// Websocket handlers write their snapshot before the client's write pump
// starts, so the connection has a single writer at all times.

func (s *Server) handleStatusWS(c *websocket.Conn) {
	if err := c.WriteJSON(s.ctrl.Status()); err != nil {
		return
	}
	s.serve(s.statusHub, c)
}

func (s *Server) handleToolsWS(c *websocket.Conn) {
	for _, e := range s.ctrl.ToolLogs() {
		if err := c.WriteJSON(e); err != nil {
			return
		}
	}
	s.serve(s.toolsHub, c)
}

func (s *Server) handleLevelsWS(c *websocket.Conn) {
	s.serve(s.levelsHub, c)
}

func (s *Server) serve(h *hub.Hub, c *websocket.Conn) {
	client := hub.NewClient(h, c)
	if client == nil {
		return
	}
	client.Run()
}
