package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/gmhost/internal/templates"
	"github.com/dgnsrekt/gmhost/internal/update"
)

type engineStatusOutput struct {
	Body struct {
		Enabled bool `json:"enabled"`
	}
}

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			return out, nil
		})

	// --- Engine switch ---

	huma.Register(api, huma.Operation{OperationID: "get-engine", Method: http.MethodGet, Path: "/api/v1/engine", Summary: "Report whether injection is globally enabled", Tags: []string{"Engine"}},
		func(ctx context.Context, input *struct{}) (*engineStatusOutput, error) {
			out := &engineStatusOutput{}
			out.Body.Enabled = svc.EngineEnabled()
			return out, nil
		})

	type setEngineInput struct {
		Body struct {
			Enabled bool `json:"enabled"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "set-engine", Method: http.MethodPut, Path: "/api/v1/engine", Summary: "Globally enable or disable injection", Tags: []string{"Engine"}},
		func(ctx context.Context, input *setEngineInput) (*engineStatusOutput, error) {
			svc.SetEngineEnabled(input.Body.Enabled)
			out := &engineStatusOutput{}
			out.Body.Enabled = svc.EngineEnabled()
			return out, nil
		})

	// --- Updates ---

	type updatesOutput struct {
		Body struct {
			Results []update.Result `json:"results"`
			Updated int             `json:"updated"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "check-updates", Method: http.MethodPost, Path: "/api/v1/updates/check", Summary: "Check every script with an update source now", Tags: []string{"Updates"}},
		func(ctx context.Context, input *struct{}) (*updatesOutput, error) {
			out := &updatesOutput{}
			out.Body.Results = append([]update.Result{}, svc.CheckUpdates(ctx)...)
			for _, r := range out.Body.Results {
				if r.Updated {
					out.Body.Updated++
				}
			}
			return out, nil
		})

	// --- Templates ---

	type templatesOutput struct {
		Body struct {
			Templates []templates.Template `json:"templates"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-templates", Method: http.MethodGet, Path: "/api/v1/templates", Summary: "List built-in script templates", Tags: []string{"Templates"}},
		func(ctx context.Context, input *struct{}) (*templatesOutput, error) {
			list, err := svc.Templates()
			if err != nil {
				return nil, mapErr(err)
			}
			out := &templatesOutput{}
			out.Body.Templates = list
			return out, nil
		})
}
