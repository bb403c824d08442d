package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/dgnsrekt/gmhost/internal/cdp"
	"github.com/dgnsrekt/gmhost/internal/events"
	"github.com/dgnsrekt/gmhost/internal/gm"
	"github.com/dgnsrekt/gmhost/internal/inject"
	"github.com/dgnsrekt/gmhost/internal/script"
	"github.com/dgnsrekt/gmhost/internal/templates"
	"github.com/dgnsrekt/gmhost/internal/update"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service is the script management surface of the engine.
type Service interface {
	List() []*script.Script
	Get(id string) (*script.Script, error)
	InstallFromURL(ctx context.Context, rawURL string) (*script.Script, error)
	InstallSource(ctx context.Context, src string) (*script.Script, error)
	InstallTemplate(ctx context.Context, name string) (*script.Script, error)
	Edit(ctx context.Context, id, src string) (*script.Script, error)
	SetEnabled(id string, enabled bool) error
	Delete(ctx context.Context, id string) error
	Values(ctx context.Context, id string) (map[string]json.RawMessage, error)
	CheckUpdates(ctx context.Context) []update.Result
	Templates() ([]templates.Template, error)
	SetEngineEnabled(enabled bool)
	EngineEnabled() bool
}

// Pages exposes live page contexts and their menu commands.
type Pages interface {
	Pages() []inject.PageInfo
	Page(tabID string) (inject.PageInfo, error)
	MenuCommands(tabID string) ([]gm.MenuCommand, error)
	InvokeMenuCommand(tabID, commandID string) error
}

// Tabs lists browser tabs the CDP client is attached to.
type Tabs interface {
	Tabs() []cdp.TabInfo
}

// Deps wires the server. Tabs and Events may be nil.
type Deps struct {
	Scripts Service
	Pages   Pages
	Tabs    Tabs
	Events  *events.Broker
}

func NewServer(d Deps) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger(slog.Default()))
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("gmhost API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("events docs response write failed", "error", err)
		}
	})
	if d.Events != nil {
		router.Get("/api/v1/events", events.SSEHandler(d.Events))
		router.Get("/api/v1/events/ws", events.WSHandler(d.Events))
	}

	registerScriptHandlers(api, d.Scripts)
	registerPageHandlers(api, d.Pages, d.Tabs)
	registerMiscHandlers(api, d.Scripts)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *apperr.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case apperr.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case apperr.CodeNotFound:
			return huma.Error404NotFound(coded.Message)
		case apperr.CodeMetadata:
			return huma.Error422UnprocessableEntity(coded.Error())
		case apperr.CodeCapabilityDenied:
			return huma.Error403Forbidden(coded.Message)
		case apperr.CodeNetwork:
			return huma.Error502BadGateway(coded.Error())
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
