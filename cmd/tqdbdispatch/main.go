package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/mevdschee/tqdbdispatch/config"
	"github.com/mevdschee/tqdbdispatch/dispatch"
	"github.com/mevdschee/tqdbdispatch/metrics"
	"github.com/mevdschee/tqdbdispatch/session"
)

func main() {
	configPath := flag.String("config", "config.ini", "Path to configuration file")
	metricsAddr := flag.String("metrics", "", "Metrics endpoint address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *metricsAddr != "" {
		cfg.Metrics.Listen = *metricsAddr
	}

	// Initialize metrics
	metrics.Init()

	// Start metrics HTTP server with pprof
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("Metrics endpoint at http://localhost%s/metrics", cfg.Metrics.Listen)
		log.Printf("Pprof endpoints at http://localhost%s/debug/pprof/", cfg.Metrics.Listen)
		if err := http.ListenAndServe(cfg.Metrics.Listen, nil); err != nil {
			log.Printf("Metrics server error: %v", err)
		}
	}()

	d, err := dispatch.NewFromConfig(cfg, session.NewSQLProvider())
	if err != nil {
		log.Fatalf("Failed to start dispatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	term := newTerminal()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go onSignal(sigChan, term, func() {
		log.Println("Shutting down...")
		cancel()
		shutdown(d)
	}, os.Exit)

	log.Printf("TQDBDispatch connected to %s %s. Type \\q to quit.", cfg.Database.Driver, cfg.Database.Database)
	repl(ctx, term, newShell(d, os.Stdout))
	term.Close()
	shutdown(d)
}

// terminal owns the liner state. Close restores the terminal mode and may
// be called from the signal handler and the REPL alike.
type terminal struct {
	*liner.State
	once sync.Once
}

func newTerminal() *terminal {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	return &terminal{State: line}
}

func (t *terminal) Close() error {
	var err error
	t.once.Do(func() { err = t.State.Close() })
	return err
}

// onSignal waits for a signal, then puts the terminal back into cooked
// mode before stopping, so exit never leaves it raw
func onSignal(sigChan <-chan os.Signal, term io.Closer, stop func(), exit func(int)) {
	<-sigChan
	if err := term.Close(); err != nil {
		log.Printf("Restoring terminal: %v", err)
	}
	stop()
	exit(0)
}

func repl(ctx context.Context, line *terminal, sh *shell) {
	for {
		input, err := line.Prompt(sh.prompt())
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Printf("Error reading input: %v", err)
			return
		}
		line.AppendHistory(input)
		if sh.handle(ctx, input) {
			return
		}
	}
}

func shutdown(d *dispatch.Dispatcher) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.Shutdown(ctx); err != nil && !errors.Is(err, dispatch.ErrShutdownInProgress) {
		log.Printf("Shutdown error: %v", err)
	}
}
