package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dgnsrekt/gmhost/internal/api"
	"github.com/dgnsrekt/gmhost/internal/templates"
	"github.com/dgnsrekt/gmhost/internal/update"
	"github.com/spf13/cobra"
)

var installTemplate string

var installCmd = &cobra.Command{
	Use:   "install [url-or-file]",
	Short: "Install a userscript into the running daemon",
	Long: `Installs a script from an http(s) URL, a local file or a built-in template.

Examples:
  gmhost install https://example.com/price-watch.user.js
  gmhost install ./dark.user.js
  gmhost install --template "Dark Mode"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{}
		switch {
		case installTemplate != "" && len(args) == 0:
			body["template"] = installTemplate
		case installTemplate == "" && len(args) == 1:
			ref, err := installRef(args[0])
			if err != nil {
				return err
			}
			body["url"] = ref
		default:
			return fmt.Errorf("give either a URL/file or --template")
		}
		var d api.ScriptDetail
		if err := callAPI(cmd.Context(), http.MethodPost, "/api/v1/scripts", body, &d); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "installed %s %s (%s)\n", d.Name, d.Version, d.ID)
		return nil
	},
}

// installRef turns a local path into a file URL so relative @require
// entries resolve against its directory.
func installRef(arg string) (string, error) {
	if u, err := url.Parse(arg); err == nil && (u.Scheme == "http" || u.Scheme == "https" || u.Scheme == "file") {
		return arg, nil
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed scripts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Scripts []api.ScriptSummary `json:"scripts"`
		}
		if err := callAPI(cmd.Context(), http.MethodGet, "/api/v1/scripts", nil, &out); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tVERSION\tRUN-AT\tENABLED")
		for _, s := range out.Scripts {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", s.ID, s.Name, s.Version, s.RunAt, s.Enabled)
		}
		return tw.Flush()
	},
}

func scriptAction(use, short, method, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <script-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				ScriptID string `json:"script_id"`
				Status   string `json:"status"`
			}
			path := "/api/v1/scripts/" + url.PathEscape(args[0]) + suffix
			if err := callAPI(cmd.Context(), method, path, nil, &out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", out.ScriptID, out.Status)
			return nil
		},
	}
}

var (
	enableCmd  = scriptAction("enable", "Enable a script", http.MethodPost, "/enable")
	disableCmd = scriptAction("disable", "Disable a script", http.MethodPost, "/disable")
	removeCmd  = scriptAction("remove", "Uninstall a script and its stored values", http.MethodDelete, "")
)

var checkUpdatesCmd = &cobra.Command{
	Use:   "check-updates",
	Short: "Check every script with an update URL now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Results []update.Result `json:"results"`
			Updated int             `json:"updated"`
		}
		if err := callAPI(cmd.Context(), http.MethodPost, "/api/v1/updates/check", nil, &out); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tFROM\tTO\tRESULT")
		for _, r := range out.Results {
			result := "up to date"
			switch {
			case r.Error != "":
				result = r.Error
			case r.Updated:
				result = "updated"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.From, r.To, result)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d updated\n", out.Updated)
		return nil
	},
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List built-in script templates by category",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		byCat, cats, err := templates.ByCategory()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, c := range cats {
			fmt.Fprintf(w, "%s\n", c)
			for _, name := range byCat[c] {
				fmt.Fprintf(w, "  %s\n", name)
			}
		}
		return nil
	},
}

func init() {
	installCmd.Flags().StringVar(&installTemplate, "template", "", "Install a built-in template by name")
}

var apiClient = &http.Client{Timeout: 2 * time.Minute}

// callAPI sends body as JSON to the daemon and decodes the reply into out.
func callAPI(ctx context.Context, method, path string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	base := apiAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := apiClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is 'gmhost serve' running?): %w", apiAddr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &problem) == nil && problem.Detail != "" {
			return fmt.Errorf("%s: %s", problem.Title, problem.Detail)
		}
		return fmt.Errorf("daemon returned status=%d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
