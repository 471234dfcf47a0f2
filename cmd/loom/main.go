// Command loom is a thin CLI wrapper around the client Control API, used
// for manual smoke testing of the store, registry, engine, and worker
// wired together. It is not a user-facing product surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/loomrun/loom"
	"github.com/loomrun/loom/client"
	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/registry"
	"github.com/loomrun/loom/samples/greet"
	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/worker"
)

// Exit codes for any CLI wrapping the core.
const (
	exitSuccess        = 0
	exitGenericFailure = 1
	exitMisconfigured  = 2
	exitWorkflowFailed = 3
	exitNotFound       = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: loom <start|status|result|signal|cancel|list|run-once|worker> [-db path] [-workers n] [-poll-interval-ms ms] [args]")
		return exitMisconfigured
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet("loom", flag.ContinueOnError)
	dbPath := fs.String("db", "loom.db", "sqlite database path")
	workerCount := fs.Int("workers", 4, "concurrent polling goroutines")
	pollIntervalMs := fs.Int("poll-interval-ms", 500, "delay between empty polls, in milliseconds")
	if err := fs.Parse(rest); err != nil {
		return exitMisconfigured
	}
	rest = fs.Args()

	reg := registry.New()
	if err := greet.Register(reg); err != nil {
		fmt.Fprintln(os.Stderr, "registering sample workflow:", err)
		return exitMisconfigured
	}

	b, e, w, err := loom.Open(reg,
		loom.WithStorePath(*dbPath),
		loom.WithWorkerCount(*workerCount),
		loom.WithPollInterval(*pollIntervalMs),
		loom.WithLogger(slog.Default()),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opening store:", err)
		return exitMisconfigured
	}
	defer b.Close()

	c := client.New(b, reg)
	ctx := context.Background()

	switch cmd {
	case "start":
		return cmdStart(ctx, c, rest)
	case "status":
		return withInstanceID(rest, func(id string) int {
			wf, err := c.Status(ctx, id)
			if err != nil {
				return exitFor(err)
			}
			fmt.Println(wf.Status)
			return exitSuccess
		})
	case "signal":
		return cmdSignal(ctx, c, rest)
	case "cancel":
		return withInstanceID(rest, func(id string) int {
			if err := c.Cancel(ctx, id, "operator request"); err != nil {
				return exitFor(err)
			}
			return exitSuccess
		})
	case "result":
		return withInstanceID(rest, func(id string) int {
			result, err := c.Result(ctx, id, 30*time.Second)
			if err != nil {
				fmt.Fprintln(os.Stderr, "result:", err)
				return exitWorkflowFailed
			}
			fmt.Println(string(result))
			return exitSuccess
		})
	case "list":
		return cmdList(ctx, c)
	case "run-once":
		return withInstanceID(rest, func(id string) int {
			if err := e.RunStep(ctx, id); err != nil {
				fmt.Fprintln(os.Stderr, "run-once:", err)
				return exitGenericFailure
			}
			return exitSuccess
		})
	case "worker":
		return cmdWorker(ctx, w)
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", cmd)
		return exitMisconfigured
	}
}

func cmdStart(ctx context.Context, c *client.Client, rest []string) int {
	name := "World"
	if len(rest) > 0 {
		name = rest[0]
	}
	id, err := c.Start(ctx, "", greet.Name, greet.Version, greet.Input{Name: name})
	if err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		return exitGenericFailure
	}
	fmt.Println(id)
	return exitSuccess
}

func cmdSignal(ctx context.Context, c *client.Client, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: loom signal <workflow-id> <name> [json-payload]")
		return exitMisconfigured
	}
	id, name := args[0], args[1]

	var payload any
	if len(args) > 2 {
		if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
			fmt.Fprintln(os.Stderr, "signal: decoding payload:", err)
			return exitMisconfigured
		}
	}
	if err := c.Signal(ctx, id, name, payload); err != nil {
		return exitFor(err)
	}
	return exitSuccess
}

func cmdList(ctx context.Context, c *client.Client) int {
	wfs, err := c.List(ctx, core.WorkflowStatus(os.Getenv("LOOM_STATUS")), 50)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		return exitGenericFailure
	}
	for _, wf := range wfs {
		fmt.Printf("%s\t%s\t%s\n", wf.ID, wf.Name, wf.Status)
	}
	return exitSuccess
}

func cmdWorker(ctx context.Context, w *worker.Worker) int {
	runCtx, cancel := context.WithCancel(ctx)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	w.Start(runCtx)
	<-sigCh
	cancel()
	w.Stop()
	return exitSuccess
}

func withInstanceID(args []string, fn func(id string) int) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: loom <cmd> <workflow-id>")
		return exitMisconfigured
	}
	return fn(args[0])
}

func exitFor(err error) int {
	fmt.Fprintln(os.Stderr, err)
	if errors.Is(err, store.ErrInstanceNotFound) {
		return exitNotFound
	}
	return exitGenericFailure
}
