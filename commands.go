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
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"esg_report_studio/config"
	"esg_report_studio/outline"
	"esg_report_studio/publisher"
	"esg_report_studio/server"
	"esg_report_studio/stream"
	"esg_report_studio/workflow"
)

var (
	serveAddr string

	useLocal   bool
	outlineRaw bool
	outlineMD  bool

	outDir        string
	allowPartial  bool
	renderMD      bool
	skipStreaming bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the outline and report generation service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		agent, err := buildAgent(cfg)
		if err != nil {
			return err
		}
		srv, err := server.New(agent, server.Options{Logger: slog.Default(), OutlineTimeout: cfg.Server.OutlineTimeout})
		if err != nil {
			return err
		}
		defer srv.Close()

		listen := cfg.Server.Addr
		if serveAddr != "" {
			listen = serveAddr
		}
		httpSrv := &http.Server{Addr: listen, Handler: srv.Routes(), ReadHeaderTimeout: 10 * time.Second}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		errCh := make(chan error, 1)
		go func() {
			slog.Info("starting server", "addr", listen, "provider", cfg.LLM.Provider)
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

var outlineCmd = &cobra.Command{
	Use:   "outline <topic>",
	Short: "Draft an outline for a topic and print it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sess, err := newSession(cfg, strings.Join(args, " "))
		if err != nil {
			return err
		}
		defer sess.Close()

		tree, err := sess.GenerateOutline(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if outlineRaw {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(tree.Serialize())
		}
		if outlineMD {
			fmt.Fprint(out, tree.Markdown(1))
			return nil
		}
		if t := sess.TemplateText(); t != "" {
			fmt.Fprintln(out, t)
			fmt.Fprintln(out)
		}
		printOutline(out, tree)
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <topic>",
	Short: "Draft an outline, then stream the report written from it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		topic := strings.Join(args, " ")
		sess, err := newSession(cfg, topic)
		if err != nil {
			return err
		}
		defer sess.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		tree, err := sess.GenerateOutline(ctx)
		if err != nil {
			return err
		}
		errOut := cmd.ErrOrStderr()
		printOutline(errOut, tree)
		fmt.Fprintln(errOut)

		out := cmd.OutOrStdout()
		if !skipStreaming && !renderMD {
			unsubscribe := sess.Subscribe(echoReport(out))
			defer unsubscribe()
		}

		if err := sess.StartReport(context.WithoutCancel(ctx)); err != nil {
			return err
		}
		buf, err := sess.Wait(ctx)
		if err != nil {
			sess.CancelReport()
			buf = sess.Report()
			fmt.Fprintln(errOut, "\nreport cancelled")
		}
		if renderMD {
			fmt.Fprintln(out, publisher.RenderTerminal(buf.Text, 100, isTerminal(os.Stdout)))
		}
		if buf.Status == stream.Failed {
			slog.Error("report stream failed", "err", buf.Err, "chars", len(buf.Text))
		}

		if outDir != "" {
			doc, err := publisher.Export(buf, publisher.ExportOptions{Topic: topic, AllowPartial: allowPartial})
			if err != nil {
				return err
			}
			paths, err := publisher.WriteFiles(doc, outDir, "")
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(errOut, "wrote", p)
			}
		}
		if buf.Status != stream.Complete {
			return fmt.Errorf("report %s", buf.Status)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")

	for _, c := range []*cobra.Command{outlineCmd, reportCmd} {
		c.Flags().BoolVar(&useLocal, "local", false, "generate in process instead of calling the service")
	}
	outlineCmd.Flags().BoolVar(&outlineRaw, "json", false, "print the serialized chapters as JSON")
	outlineCmd.Flags().BoolVar(&outlineMD, "markdown", false, "print the outline as markdown headings")

	reportCmd.Flags().StringVarP(&outDir, "out", "o", "", "write <title>.md and <title>.html into this directory")
	reportCmd.Flags().BoolVar(&allowPartial, "partial", false, "export even when the stream did not complete")
	reportCmd.Flags().BoolVar(&renderMD, "render", false, "render the finished report for the terminal instead of streaming it raw")
	reportCmd.Flags().BoolVarP(&skipStreaming, "quiet", "q", false, "do not echo the report while it streams")
}

func newSession(cfg *config.Config, topic string) (*workflow.Session, error) {
	var svc interface {
		workflow.OutlineService
		workflow.ReportService
	}
	if useLocal {
		agent, err := buildAgent(cfg)
		if err != nil {
			return nil, err
		}
		svc = workflow.AgentService{Agent: agent}
	} else {
		svc = workflow.NewHTTPService(cfg.Service.URL, cfg.Service.Timeout)
	}
	return workflow.NewSession("cli", topic, workflow.Services{Outlines: svc, Reports: svc}, slog.Default())
}

// echoReport prints each newly arrived part of the report buffer.
func echoReport(w io.Writer) func(workflow.Event) {
	var mu sync.Mutex
	printed := 0
	return func(ev workflow.Event) {
		if ev.Kind != workflow.ReportChanged {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		text := ev.Report.Text
		if len(text) < printed {
			printed = 0
		}
		if len(text) > printed {
			_, _ = io.WriteString(w, text[printed:])
			printed = len(text)
		}
		if ev.Report.Status.Terminal() && printed > 0 && !strings.HasSuffix(text, "\n") {
			_, _ = io.WriteString(w, "\n")
		}
	}
}

var (
	chapterStyle = lipgloss.NewStyle().Bold(true)
	idStyle      = lipgloss.NewStyle().Faint(true)
)

func printOutline(w io.Writer, tree outline.Tree) {
	var walk func(nodes []outline.Node, depth int)
	walk = func(nodes []outline.Node, depth int) {
		for i, n := range nodes {
			title := n.Title
			if strings.TrimSpace(title) == "" {
				title = outline.FallbackTitle
			}
			prefix := strings.Repeat("  ", depth)
			if depth == 0 {
				title = chapterStyle.Render(fmt.Sprintf("%d. %s", i+1, title))
			} else {
				prefix += "- "
			}
			fmt.Fprintf(w, "%s%s %s\n", prefix, title, idStyle.Render("["+n.ID+"]"))
			walk(n.Children, depth+1)
		}
	}
	walk(tree.Nodes(), 0)
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
