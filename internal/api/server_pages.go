package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/gmhost/internal/cdp"
	"github.com/dgnsrekt/gmhost/internal/gm"
	"github.com/dgnsrekt/gmhost/internal/inject"
)

type tabIDInput struct {
	TabID string `path:"tab_id"`
}

func registerPageHandlers(api huma.API, pages Pages, tabs Tabs) {
	type tabsOutput struct {
		Body struct {
			Tabs []cdp.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List attached browser tabs", Tags: []string{"Pages"}},
		func(ctx context.Context, input *struct{}) (*tabsOutput, error) {
			out := &tabsOutput{}
			out.Body.Tabs = []cdp.TabInfo{}
			if tabs != nil {
				out.Body.Tabs = append(out.Body.Tabs, tabs.Tabs()...)
			}
			return out, nil
		})

	type pagesOutput struct {
		Body struct {
			Pages []inject.PageInfo `json:"pages"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-pages", Method: http.MethodGet, Path: "/api/v1/pages", Summary: "List page contexts and the scripts injected into each", Tags: []string{"Pages"}},
		func(ctx context.Context, input *struct{}) (*pagesOutput, error) {
			out := &pagesOutput{}
			out.Body.Pages = append([]inject.PageInfo{}, pages.Pages()...)
			return out, nil
		})

	type pageOutput struct {
		Body inject.PageInfo
	}
	huma.Register(api, huma.Operation{OperationID: "get-page", Method: http.MethodGet, Path: "/api/v1/pages/{tab_id}", Summary: "Get the page context of a tab", Tags: []string{"Pages"}},
		func(ctx context.Context, input *tabIDInput) (*pageOutput, error) {
			info, err := pages.Page(input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &pageOutput{Body: info}, nil
		})

	type menuOutput struct {
		Body struct {
			TabID    string           `json:"tab_id"`
			Commands []gm.MenuCommand `json:"commands"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-menu-commands", Method: http.MethodGet, Path: "/api/v1/pages/{tab_id}/menu", Summary: "List menu commands registered by scripts on a tab", Tags: []string{"Pages"}},
		func(ctx context.Context, input *tabIDInput) (*menuOutput, error) {
			cmds, err := pages.MenuCommands(input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &menuOutput{}
			out.Body.TabID = input.TabID
			out.Body.Commands = append([]gm.MenuCommand{}, cmds...)
			return out, nil
		})

	type invokeInput struct {
		TabID     string `path:"tab_id"`
		CommandID string `path:"command_id"`
	}
	type invokeOutput struct {
		Body struct {
			TabID     string `json:"tab_id"`
			CommandID string `json:"command_id"`
			Status    string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "invoke-menu-command", Method: http.MethodPost, Path: "/api/v1/pages/{tab_id}/menu/{command_id}", Summary: "Invoke a script menu command", Tags: []string{"Pages"}},
		func(ctx context.Context, input *invokeInput) (*invokeOutput, error) {
			if err := pages.InvokeMenuCommand(input.TabID, input.CommandID); err != nil {
				return nil, mapErr(err)
			}
			out := &invokeOutput{}
			out.Body.TabID = input.TabID
			out.Body.CommandID = input.CommandID
			out.Body.Status = "invoked"
			return out, nil
		})
}
