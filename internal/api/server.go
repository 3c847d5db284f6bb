// Package api exposes adapter lifecycle management over HTTP.
package api

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/loom/internal/adapters"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/lora"
	"github.com/samcharles93/loom/internal/statedict"
)

// Server serializes access to one adapter manager. The manager itself is
// not safe for concurrent use.
type Server struct {
	mu  sync.Mutex
	mgr *adapters.Manager
	log logger.Logger
}

func NewServer(mgr *adapters.Manager, log logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	return &Server{mgr: mgr, log: log.With("component", "api")}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/v1/adapters", s.handleList)
	e.POST("/v1/adapters", s.handleLoad)
	e.POST("/v1/adapters/activate", s.handleActivate)
	e.POST("/v1/adapters/enable", s.handleEnable)
	e.POST("/v1/adapters/disable", s.handleDisable)
	e.POST("/v1/adapters/fuse", s.handleFuse)
	e.POST("/v1/adapters/unfuse", s.handleUnfuse)
	e.DELETE("/v1/adapters/:name", s.handleDelete)
	e.DELETE("/v1/adapters", s.handleUnload)
}

func (s *Server) handleList(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.JSON(http.StatusOK, ListAdaptersResponse{
		Object: "list",
		Data:   s.mgr.Adapters(),
	})
}

func (s *Server) handleLoad(c *echo.Context) error {
	req, err := decodeJSON[LoadAdapterRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if (req.Path == "") == (req.URL == "") {
		return writeBadRequest(c, "exactly one of path and url must be set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	name, err := s.mgr.LoadAdapter(c.Request().Context(),
		statedict.Source{Path: req.Path, URL: req.URL},
		adapters.LoadOptions{Name: req.Name, Prefix: req.Prefix, LowMemory: req.LowMemory},
	)
	if err != nil {
		return writeManagerError(c, err)
	}
	if req.Weight != nil {
		if err := s.mgr.SetAdapters([]string{name}, []adapters.AdapterWeight{*req.Weight}); err != nil {
			return writeManagerError(c, err)
		}
	}
	return c.JSON(http.StatusOK, LoadAdapterResponse{
		ID:     newOperationID(),
		Object: "adapter",
		Name:   name,
	})
}

func (s *Server) handleActivate(c *echo.Context) error {
	req, err := decodeJSON[ActivateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Names) == 0 {
		return writeBadRequest(c, "names must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mgr.SetAdapters(req.Names, req.Weights); err != nil {
		return writeManagerError(c, err)
	}
	return s.operationOK(c)
}

func (s *Server) handleEnable(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mgr.EnableAdapters(); err != nil {
		return writeManagerError(c, err)
	}
	return s.operationOK(c)
}

func (s *Server) handleDisable(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mgr.DisableAdapters(); err != nil {
		return writeManagerError(c, err)
	}
	return s.operationOK(c)
}

func (s *Server) handleFuse(c *echo.Context) error {
	req, err := decodeJSON[FuseRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mgr.Fuse(adapters.FuseOptions{Scale: req.Scale, Safe: req.Safe, Names: req.Names}); err != nil {
		return writeManagerError(c, err)
	}
	return s.operationOK(c)
}

func (s *Server) handleUnfuse(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mgr.Unfuse(); err != nil {
		return writeManagerError(c, err)
	}
	return s.operationOK(c)
}

func (s *Server) handleDelete(c *echo.Context) error {
	name := c.Param("name")
	if name == "" {
		return writeNotFound(c, "adapter not found")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mgr.DeleteAdapters(name); err != nil {
		return writeManagerError(c, err)
	}
	return c.JSON(http.StatusOK, DeleteAdapterResponse{
		ID:      newOperationID(),
		Object:  "adapter",
		Name:    name,
		Deleted: true,
	})
}

func (s *Server) handleUnload(c *echo.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mgr.Unload(); err != nil {
		return writeManagerError(c, err)
	}
	return c.JSON(http.StatusOK, DeleteAdapterResponse{
		ID:      newOperationID(),
		Object:  "adapter",
		Deleted: true,
	})
}

func (s *Server) operationOK(c *echo.Context) error {
	return c.JSON(http.StatusOK, OperationResponse{
		ID:     newOperationID(),
		Object: "operation",
		Active: s.mgr.ActiveAdapters(),
	})
}

func writeManagerError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, lora.ErrUnknownAdapter):
		return writeNotFound(c, err.Error())
	case errors.Is(err, adapters.ErrNoModel):
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	default:
		return writeBadRequest(c, err.Error())
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

func newOperationID() string {
	return "op_" + uuid.NewString()
}
