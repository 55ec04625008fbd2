// Command hatchling wires one Session to stdin/stdout for manual exercise
// of the orchestration pipeline. It is intentionally thin: no TUI, no
// config-file parsing, no persistence — those are external collaborators
// this module does not own.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/hatchling/internal/metrics"
	"github.com/haasonsaas/hatchling/internal/session"
	"github.com/haasonsaas/hatchling/pkg/models"
)

func main() {
	provider := flag.String("provider", "openai", "provider id: openai or ollama")
	model := flag.String("model", "gpt-4o-mini", "model name passed to the provider")
	maxIterations := flag.Int("max-iterations", 8, "chain iteration budget per turn")
	maxWallClock := flag.Duration("max-wall-clock", 2*time.Minute, "chain wall-clock budget per turn")
	serverPaths := flag.String("mcp-servers", "", "comma-separated MCP server script paths")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil)).With("component", "cmd/hatchling")

	var paths []string
	if *serverPaths != "" {
		paths = strings.Split(*serverPaths, ",")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.New(ctx, session.Config{
		Provider:      models.ProviderId(*provider),
		Model:         *model,
		MaxIterations: *maxIterations,
		MaxWallClock:  *maxWallClock,
		ServerPaths:   paths,
		Metrics:       metrics.New(prometheus.DefaultRegisterer),
		Log:           log,
	}, &stdoutSubscriber{})
	if err != nil {
		log.Error("failed to start session", "error", err)
		os.Exit(1)
	}
	defer sess.Cancel(context.Background())

	fmt.Println("hatchling ready. type a message and press enter; Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := sess.Send(ctx, line); err != nil {
			log.Error("send failed", "error", err)
		}
	}
}

// stdoutSubscriber prints assistant content as it streams and a separator
// once each turn finishes.
type stdoutSubscriber struct{}

func (s *stdoutSubscriber) SubscribedKinds() map[models.EventKind]struct{} {
	return map[models.EventKind]struct{}{
		models.EventContent: {},
		models.EventFinish:  {},
		models.EventError:   {},
	}
}

func (s *stdoutSubscriber) OnEvent(e models.Event) {
	switch e.Kind {
	case models.EventContent:
		fmt.Print(e.String("text"))
	case models.EventFinish:
		fmt.Println()
	case models.EventError:
		fmt.Fprintln(os.Stderr, "error:", e.String("message"))
	}
}
