package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/invoiceflow/internal/gate"
	"github.com/rendis/invoiceflow/internal/panel"
	"github.com/rendis/invoiceflow/internal/steps"
	"github.com/rendis/invoiceflow/pkg/mcp"
	"github.com/rendis/invoiceflow/pkg/schema"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoiceflow",
		Short: "Follow contract-to-invoice workflows in real time",
		Long: `invoiceflow connects to a workflow backend over a websocket, tracks the
pipeline's step states and the human review gate, and routes commands over
the live connection with an HTTP fallback.`,
		SilenceUsage: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringP("config", "c", "", "Settings file (JSON, default ~/.invoiceflow/settings.json)")
	pf.String("ws-url", "", "Websocket endpoint; {workflow_id} is replaced by the id")
	pf.String("api-url", "", "REST API base URL used for fallbacks")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("journal", "", `Event journal file ("off" disables it)`)
	pf.String("pipeline", "", "Pipeline definition file (YAML)")
	pf.Int("max-reconnects", 0, "Reconnection attempts before giving up")

	cmd.AddCommand(watchCmd(), replayCmd(), serveCmd(), mcpCmd(), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionString())
		},
	}
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <workflow-id>",
		Short: "Print step transitions until the workflow completes or fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			m, err := a.monitor(args[0])
			if err != nil {
				return err
			}
			defer m.Close()

			out := cmd.OutOrStdout()
			m.Machine().OnTransition("", "", func(_ context.Context, step steps.Step, from schema.StepStatus) {
				fmt.Fprintf(out, "%-22s %s -> %s\n", step.Name, from, step.Status)
			})
			var lastRequest time.Time
			m.Gate().OnChange(func(st gate.State) {
				if st.Request == nil || st.Request.ReceivedAt.Equal(lastRequest) {
					return
				}
				lastRequest = st.Request.ReceivedAt
				printRequest(out, st.Request)
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.start(ctx, m)

			st, err := m.Wait(ctx)
			printState(out, st)
			switch {
			case errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				return err
			case st.Failed:
				return fmt.Errorf("workflow failed: %s", st.Error)
			}
			return nil
		},
	}
}

func replayCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "replay <workflow-id>",
		Short: "Rebuild a workflow's step states from the event journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			if a.journal == nil {
				return errors.New("replay needs the event journal; set --journal")
			}
			st, err := a.journal.Replay(cmd.Context(), a.pipeline, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			printState(out, st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the state as JSON")
	return cmd
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve <workflow-id>",
		Short: "Follow a workflow and serve the panel API, SSE stream and metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			m, err := a.monitor(args[0])
			if err != nil {
				return err
			}
			defer m.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.start(ctx, m)

			srv := &http.Server{
				Addr: a.cfg.ListenAddr,
				Handler: panel.NewPanelServer(panel.PanelDeps{
					Monitor: m,
					Journal: a.journal,
					Metrics: a.metrics,
					Logger:  a.logger,
				}).Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			a.logger.Info("panel listening", slog.String("addr", a.cfg.ListenAddr))

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().String("listen", "", "Panel listen address (default :4200)")
	return cmd
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp <workflow-id>",
		Short: "Expose a workflow to agents as MCP tools over stdio",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			m, err := a.monitor(args[0])
			if err != nil {
				return err
			}
			defer m.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			a.start(ctx, m)
			return mcp.NewServer(mcp.ServerDeps{Monitor: m, Logger: a.logger}).Serve(ctx)
		},
	}
}

func printState(w io.Writer, st steps.State) {
	for _, s := range st.Steps {
		line := fmt.Sprintf("  %-22s %-12s", s.Name, s.Status)
		if s.Message != "" {
			line += " " + s.Message
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
	fmt.Fprintf(w, "progress %.0f%%", st.Progress)
	switch {
	case st.Completed:
		fmt.Fprint(w, " (completed)")
	case st.Failed:
		fmt.Fprintf(w, " (failed: %s)", st.Error)
	case st.Paused:
		fmt.Fprint(w, " (paused)")
	case st.Suspended:
		fmt.Fprint(w, " (waiting for review)")
	}
	fmt.Fprintln(w)
}

func printRequest(w io.Writer, req *gate.Request) {
	fmt.Fprintln(w, "review requested:")
	if req.Instructions != "" {
		fmt.Fprintf(w, "  %s\n", req.Instructions)
	}
	for _, f := range req.Fields {
		marker := ""
		if f.Required {
			marker = " (required)"
		}
		fmt.Fprintf(w, "  - %s%s", f.Name, marker)
		if f.ValidationMessage != "" {
			fmt.Fprintf(w, ": %s", f.ValidationMessage)
		}
		fmt.Fprintln(w)
	}
}
