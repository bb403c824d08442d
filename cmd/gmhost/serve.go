package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgnsrekt/gmhost/internal/api"
	"github.com/dgnsrekt/gmhost/internal/browser"
	"github.com/dgnsrekt/gmhost/internal/cdp"
	"github.com/dgnsrekt/gmhost/internal/config"
	"github.com/dgnsrekt/gmhost/internal/engine"
	"github.com/dgnsrekt/gmhost/internal/events"
	"github.com/dgnsrekt/gmhost/internal/host"
	"github.com/dgnsrekt/gmhost/internal/netutil"
	"github.com/dgnsrekt/gmhost/internal/watch"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Attach to Chromium and run installed scripts",
	Long: `Starts the daemon:
  - attaches to every tab of the browser at CHROMIUM_CDP_ADDRESS:CHROMIUM_CDP_PORT
  - injects matching scripts at document-start, document-end and document-idle
  - installs scripts dropped into GMHOST_DROP_DIR
  - checks for script updates every GMHOST_UPDATE_INTERVAL_MIN minutes
  - serves the HTTP API and event feed on GMHOST_BIND_ADDR`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.Info("gmhost config loaded",
		"data_dir", cfg.DataDir,
		"drop_dir", cfg.ScriptsDropDir,
		"cdp_url", cfg.GetCDPURL(),
		"bind_addr", cfg.BindAddr,
		"tab_url_filter", cfg.TabURLFilter,
		"exec_timeout_ms", cfg.ExecTimeoutMS,
		"update_interval_min", cfg.UpdateIntervalMin,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal := events.NewJournal(cfg.JournalDir, cfg.EventBuffer, cfg.MaxFileSizeMB)
	defer func() {
		if err := journal.Close(); err != nil {
			slog.Debug("journal close failed", "error", err)
		}
	}()
	broker := events.NewBroker(journal)

	httpClient := &http.Client{Timeout: time.Duration(cfg.FetchTimeoutMS) * time.Millisecond}
	gmHost := host.New(host.Config{NtfyURL: cfg.NtfyURL, HTTPClient: httpClient})

	svc, err := engine.Open(engine.Options{
		DataDir:           cfg.DataDir,
		Host:              gmHost,
		HTTPClient:        httpClient,
		ScriptHTTPClient:  &http.Client{},
		Runner:            gmHost,
		Events:            broker,
		ExecTimeout:       time.Duration(cfg.ExecTimeoutMS) * time.Millisecond,
		UpdateInterval:    time.Duration(cfg.UpdateIntervalMin) * time.Minute,
		UpdateConcurrency: cfg.UpdateConcurrency,
		FetchTimeout:      time.Duration(cfg.FetchTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			slog.Debug("engine close failed", "error", err)
		}
	}()

	if cfg.LaunchBrowser {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			ProfileDir: cfg.ProfileDir,
		})
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	deps := api.Deps{Scripts: svc, Pages: svc.Scheduler(), Events: broker}

	cdpClient := cdp.NewClient(cdp.Config{
		CDPURL:       cfg.GetCDPURL(),
		TabURLFilter: cfg.TabURLFilter,
		EvalTimeout:  time.Duration(cfg.EvalTimeoutMS) * time.Millisecond,
	}, svc.Scheduler())
	if err := cdpClient.Connect(ctx); err != nil {
		slog.Error("failed to connect to browser, scripts will not be injected", "cdp_url", cfg.GetCDPURL(), "error", err)
	} else {
		defer func() {
			if err := cdpClient.Close(); err != nil {
				slog.Debug("CDP client close failed", "error", err)
			}
		}()
		gmHost.Attach(cdpClient)
		deps.Tabs = cdpClient
		openStartupTabs(ctx, cdpClient)
	}

	watcher, err := watch.New(cfg.ScriptsDropDir, svc)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	go svc.Run(ctx)

	binding, err := netutil.SelectBindAddr(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		return err
	}
	bindAddr := binding.Addr
	if binding.FellBack() {
		slog.Warn("preferred bind address in use, falling back", "preferred", binding.Preferred, "addr", bindAddr, "busy", binding.Busy)
		broker.Publish(events.Event{
			Type:    events.TypeBindFallback,
			Level:   "warn",
			Message: fmt.Sprintf("%s in use, listening on %s", binding.Preferred, bindAddr),
		})
	}
	srv := &http.Server{Addr: bindAddr, Handler: api.NewServer(deps)}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gmhost listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("gmhost server failed", "error", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("gmhost shutdown failed", "error", err)
	}
	return nil
}

func openStartupTabs(ctx context.Context, client *cdp.Client) {
	startup, err := config.LoadStartup(cfg.StartupFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("ignoring startup tabs", "file", cfg.StartupFile, "error", err)
		}
		return
	}
	for _, t := range startup.Tabs {
		if err := client.OpenTab(ctx, t.URL, t.Background); err != nil {
			slog.Warn("failed to open startup tab", "url", t.URL, "error", err)
		}
	}
}
