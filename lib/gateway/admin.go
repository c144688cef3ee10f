package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/snowmerak/gateway.go/lib/broker"
	"github.com/snowmerak/gateway.go/lib/config"
	"github.com/snowmerak/gateway.go/lib/message"
	"github.com/snowmerak/gateway.go/lib/module"
)

// Admin is the gateway's HTTP management surface.
type Admin struct {
	echo    *echo.Echo
	gateway *Gateway
	logger  *slog.Logger
}

type moduleRequest struct {
	Name   string         `json:"name"`
	Loader string         `json:"loader"`
	Args   map[string]any `json:"args"`
}

// publishRequest carries content as base64, the same encoding as logged entries.
type publishRequest struct {
	Properties map[string]string `json:"properties"`
	Content    []byte            `json:"content"`
}

// NewAdmin builds the admin routes for g. Metrics are served from gatherer when it is
// non-nil.
func NewAdmin(g *Gateway, gatherer prometheus.Gatherer, logger *slog.Logger) *Admin {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Admin{echo: echo.New(), gateway: g, logger: logger.With("component", "admin")}
	a.echo.HideBanner = true
	a.echo.HidePort = true

	a.echo.GET("/healthz", a.health)
	a.echo.GET("/modules", a.listModules)
	a.echo.POST("/modules", a.addModule)
	a.echo.DELETE("/modules/:name", a.removeModule)
	a.echo.Any("/modules/:name/*", a.serveModule)
	a.echo.GET("/links", a.listLinks)
	a.echo.POST("/links", a.addLink)
	a.echo.DELETE("/links", a.removeLink)
	a.echo.POST("/publish", a.publish)
	if gatherer != nil {
		a.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return a
}

// ServeHTTP lets the admin surface be mounted or tested without a listener.
func (a *Admin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown. It returns nil after a clean shutdown.
func (a *Admin) Start(addr string) error {
	a.logger.Info("admin server listening", "addr", addr)
	if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for active requests until ctx ends.
func (a *Admin) Shutdown(ctx context.Context) error {
	return a.echo.Shutdown(ctx)
}

func (a *Admin) health(c echo.Context) error {
	state := a.gateway.Broker().State()
	status := http.StatusOK
	if state != broker.StateRunning {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]any{
		"broker":  state.String(),
		"modules": a.gateway.Broker().ModuleCount(),
		"pending": a.gateway.Broker().QueueLen(),
	})
}

func (a *Admin) listModules(c echo.Context) error {
	return c.JSON(http.StatusOK, a.gateway.Modules())
}

func (a *Admin) addModule(c echo.Context) error {
	var req moduleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	mc := config.ModuleConfig{Name: req.Name, Loader: req.Loader}
	if req.Args != nil {
		if err := mc.Args.Encode(req.Args); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	inst, err := a.gateway.AddModule(mc)
	if err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]string{"name": inst.Name, "state": inst.State().String()})
}

func (a *Admin) removeModule(c echo.Context) error {
	if err := a.gateway.RemoveModule(c.Request().Context(), c.Param("name")); err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *Admin) serveModule(c echo.Context) error {
	name := c.Param("name")
	inst, ok := a.gateway.Lookup(name)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown module "+name)
	}
	h, ok := inst.Module().(http.Handler)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "module "+name+" has no http surface")
	}
	prefix := "/modules/" + name
	http.StripPrefix(prefix, h).ServeHTTP(c.Response(), c.Request())
	return nil
}

func (a *Admin) listLinks(c echo.Context) error {
	links := a.gateway.Links()
	if links == nil {
		links = []LinkInfo{}
	}
	return c.JSON(http.StatusOK, links)
}

func (a *Admin) addLink(c echo.Context) error {
	var req LinkInfo
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := a.gateway.AddLink(req.Source, req.Sink); err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *Admin) removeLink(c echo.Context) error {
	source, sink := c.QueryParam("source"), c.QueryParam("sink")
	if err := a.gateway.RemoveLink(source, sink); err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *Admin) publish(c echo.Context) error {
	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	msg, err := message.New(req.Properties, req.Content)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer msg.Release()

	if err := a.gateway.Publish(msg); err != nil {
		return echo.NewHTTPError(statusOf(err), err.Error())
	}
	return c.NoContent(http.StatusAccepted)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnknownModule), errors.Is(err, broker.ErrNotFound), errors.Is(err, module.ErrUnknownLoader):
		return http.StatusNotFound
	case errors.Is(err, ErrModuleExists), errors.Is(err, broker.ErrAlreadyRegistered):
		return http.StatusConflict
	case errors.Is(err, ErrClosed), errors.Is(err, broker.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, broker.ErrResourceExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, config.ErrInvalid), errors.Is(err, module.ErrInvalidConfig),
		errors.Is(err, broker.ErrInvalidArgument), errors.Is(err, message.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrCreate):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
