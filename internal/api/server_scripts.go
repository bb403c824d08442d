package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/gmhost/internal/metadata"
	"github.com/dgnsrekt/gmhost/internal/script"
)

// ScriptSummary is the list view of an installed script.
type ScriptSummary struct {
	ID          string    `json:"id"`
	Namespace   string    `json:"namespace"`
	Name        string    `json:"name"`
	Version     string    `json:"version,omitempty"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	RunAt       string    `json:"run_at"`
	Priority    int       `json:"priority"`
	InstallSeq  int64     `json:"install_seq"`
	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	SourceURL   string    `json:"source_url,omitempty"`
}

// ScriptDetail adds parsed metadata and the source text.
type ScriptDetail struct {
	ScriptSummary
	Metadata  *metadata.Metadata `json:"metadata"`
	Requires  []string           `json:"requires,omitempty"`
	Resources []string           `json:"resources,omitempty"`
	Source    string             `json:"source"`
}

func summarize(sc *script.Script) ScriptSummary {
	s := ScriptSummary{
		ID:          sc.ID,
		Namespace:   sc.Namespace,
		Name:        sc.Name,
		Enabled:     sc.Enabled,
		InstallSeq:  sc.InstallSeq,
		InstalledAt: sc.InstalledAt,
		UpdatedAt:   sc.UpdatedAt,
		SourceURL:   sc.SourceURL,
	}
	if sc.Meta != nil {
		s.Version = sc.Meta.Version
		s.Description = sc.Meta.Description
		s.RunAt = string(sc.Meta.RunAt)
		s.Priority = sc.Meta.Priority
	}
	return s
}

func detail(sc *script.Script) ScriptDetail {
	d := ScriptDetail{ScriptSummary: summarize(sc), Metadata: sc.Meta, Source: sc.Source}
	for _, r := range sc.Requires {
		d.Requires = append(d.Requires, r.URL)
	}
	for name := range sc.Resources {
		d.Resources = append(d.Resources, name)
	}
	sort.Strings(d.Resources)
	return d
}

type scriptIDInput struct {
	ScriptID string `path:"script_id"`
}

type scriptDetailOutput struct {
	Body ScriptDetail
}

type scriptStatusOutput struct {
	Body struct {
		ScriptID string `json:"script_id"`
		Status   string `json:"status"`
	}
}

func registerScriptHandlers(api huma.API, svc Service) {
	type listOutput struct {
		Body struct {
			Scripts []ScriptSummary `json:"scripts"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-scripts", Method: http.MethodGet, Path: "/api/v1/scripts", Summary: "List installed scripts in install order", Tags: []string{"Scripts"}},
		func(ctx context.Context, input *struct{}) (*listOutput, error) {
			out := &listOutput{}
			out.Body.Scripts = []ScriptSummary{}
			for _, sc := range svc.List() {
				out.Body.Scripts = append(out.Body.Scripts, summarize(sc))
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-script", Method: http.MethodGet, Path: "/api/v1/scripts/{script_id}", Summary: "Get script metadata and source", Tags: []string{"Scripts"}},
		func(ctx context.Context, input *scriptIDInput) (*scriptDetailOutput, error) {
			sc, err := svc.Get(input.ScriptID)
			if err != nil {
				return nil, mapErr(err)
			}
			return &scriptDetailOutput{Body: detail(sc)}, nil
		})

	type installInput struct {
		Body struct {
			URL      string `json:"url,omitempty" doc:"Fetch the script from this URL"`
			Source   string `json:"source,omitempty" doc:"Install this script text"`
			Template string `json:"template,omitempty" doc:"Install a built-in template by name"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "install-script", Method: http.MethodPost, Path: "/api/v1/scripts", Summary: "Install a script from a URL, source text or template", Tags: []string{"Scripts"}, DefaultStatus: http.StatusCreated},
		func(ctx context.Context, input *installInput) (*scriptDetailOutput, error) {
			b := input.Body
			set := 0
			for _, v := range []string{b.URL, b.Source, b.Template} {
				if v != "" {
					set++
				}
			}
			if set != 1 {
				return nil, huma.Error400BadRequest("exactly one of url, source or template is required")
			}
			var (
				sc  *script.Script
				err error
			)
			switch {
			case b.URL != "":
				sc, err = svc.InstallFromURL(ctx, b.URL)
			case b.Source != "":
				sc, err = svc.InstallSource(ctx, b.Source)
			default:
				sc, err = svc.InstallTemplate(ctx, b.Template)
			}
			if err != nil {
				return nil, mapErr(err)
			}
			return &scriptDetailOutput{Body: detail(sc)}, nil
		})

	type editInput struct {
		ScriptID string `path:"script_id"`
		Body     struct {
			Source string `json:"source" minLength:"1"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "edit-script", Method: http.MethodPut, Path: "/api/v1/scripts/{script_id}", Summary: "Replace a script's source keeping its stored values", Tags: []string{"Scripts"}},
		func(ctx context.Context, input *editInput) (*scriptDetailOutput, error) {
			sc, err := svc.Edit(ctx, input.ScriptID, input.Body.Source)
			if err != nil {
				return nil, mapErr(err)
			}
			return &scriptDetailOutput{Body: detail(sc)}, nil
		})

	toggle := func(enabled bool, status string) func(context.Context, *scriptIDInput) (*scriptStatusOutput, error) {
		return func(ctx context.Context, input *scriptIDInput) (*scriptStatusOutput, error) {
			if err := svc.SetEnabled(input.ScriptID, enabled); err != nil {
				return nil, mapErr(err)
			}
			out := &scriptStatusOutput{}
			out.Body.ScriptID = input.ScriptID
			out.Body.Status = status
			return out, nil
		}
	}
	huma.Register(api, huma.Operation{OperationID: "enable-script", Method: http.MethodPost, Path: "/api/v1/scripts/{script_id}/enable", Summary: "Enable a script for future navigations", Tags: []string{"Scripts"}},
		toggle(true, "enabled"))
	huma.Register(api, huma.Operation{OperationID: "disable-script", Method: http.MethodPost, Path: "/api/v1/scripts/{script_id}/disable", Summary: "Disable a script for future navigations", Tags: []string{"Scripts"}},
		toggle(false, "disabled"))

	huma.Register(api, huma.Operation{OperationID: "delete-script", Method: http.MethodDelete, Path: "/api/v1/scripts/{script_id}", Summary: "Uninstall a script and drop its stored values", Tags: []string{"Scripts"}},
		func(ctx context.Context, input *scriptIDInput) (*scriptStatusOutput, error) {
			if err := svc.Delete(ctx, input.ScriptID); err != nil {
				return nil, mapErr(err)
			}
			out := &scriptStatusOutput{}
			out.Body.ScriptID = input.ScriptID
			out.Body.Status = "deleted"
			return out, nil
		})

	type valuesOutput struct {
		Body struct {
			ScriptID string         `json:"script_id"`
			Values   map[string]any `json:"values"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-script-values", Method: http.MethodGet, Path: "/api/v1/scripts/{script_id}/values", Summary: "Dump a script's stored values", Tags: []string{"Scripts"}},
		func(ctx context.Context, input *scriptIDInput) (*valuesOutput, error) {
			values, err := svc.Values(ctx, input.ScriptID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &valuesOutput{}
			out.Body.ScriptID = input.ScriptID
			out.Body.Values = make(map[string]any, len(values))
			for k, raw := range values {
				var v any
				if err := json.Unmarshal(raw, &v); err != nil {
					return nil, mapErr(err)
				}
				out.Body.Values[k] = v
			}
			return out, nil
		})
}
