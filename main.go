// Command cadence runs the fair-scheduling LLM front end: an interactive chat
// REPL (or one-shot prompt) backed by the quota-aware scheduler, with
// conversational memory, SQLite persistence, Prometheus metrics, and a local
// health server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"cadence/pkg/config"
	"cadence/pkg/health"
	"cadence/pkg/llm"
	"cadence/pkg/logx"
	"cadence/pkg/memory"
	"cadence/pkg/metrics"
	"cadence/pkg/persistence"
	"cadence/pkg/provider"
	"cadence/pkg/quota"
	"cadence/pkg/scheduler"
	"cadence/pkg/tokenest"
	"cadence/pkg/version"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file (default ~/.cadence/cadence.yaml)")
		modelFlag   = flag.String("model", string(config.KeyStandard), "Model key for chat requests (standard or lite)")
		sessionFlag = flag.String("session", "", "Conversation session ID (default: a fresh UUID)")
		promptFlag  = flag.String("prompt", "", "One-shot prompt: send, print the reply, exit")
		storeKey    = flag.Bool("store-key", false, "Store an API key in the encrypted credential store and exit")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cadence %s\n", version.Version)
		fmt.Printf("  commit: %s\n", version.Commit)
		fmt.Printf("  built:  %s\n", version.Date)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *modelFlag, *sessionFlag, *promptFlag, *storeKey))
}

// run contains the main application logic and returns an exit code, so
// defers execute before the process exits.
func run(configPath, modelFlag, sessionFlag, promptFlag string, storeKey bool) int {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if storeKey {
		if err := runStoreKey(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to store credential: %v\n", err)
			return 1
		}
		return 0
	}

	key, err := config.ParseModelKey(modelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if err := unlockCredentials(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unlock credentials: %v\n", err)
		return 1
	}

	sessionID := sessionFlag
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		return 1
	}
	if err := a.start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		a.shutdown()
		return 1
	}

	// The REPL blocks on stdin, which a signal cannot interrupt; running it
	// in a goroutine lets the signal path proceed to shutdown regardless.
	done := make(chan error, 1)
	go func() {
		if promptFlag != "" {
			done <- a.oneShot(ctx, key, sessionID, promptFlag)
			return
		}
		done <- a.repl(ctx, key, sessionID)
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	case err := <-done:
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			exitCode = 1
		}
	}

	a.shutdown()
	return exitCode
}

// app holds the wired daemon components for one run.
type app struct {
	cfg      *config.Config
	ledger   *quota.Ledger
	sched    *scheduler.Scheduler
	mem      *memory.Manager
	store    *persistence.Store
	recorder *metrics.Recorder
	health   *health.Server
	logger   *logx.Logger

	cancel context.CancelFunc
}

// newApp wires ledger, providers, scheduler, memory, persistence, metrics,
// and the health server from the loaded config.
func newApp(cfg *config.Config) (*app, error) {
	logger := logx.NewLogger("cadence")

	var estimator tokenest.Estimator
	if cfg.Estimator == config.EstimatorBPE {
		bpe, err := tokenest.NewBPE()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize BPE estimator: %w", err)
		}
		estimator = bpe
	} else {
		estimator = tokenest.NewHeuristic()
	}

	ledger := quota.NewLedger(cfg.Profiles())

	var recorder *metrics.Recorder
	var gatherer prometheus.Gatherer
	var middlewares []llm.Middleware
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		recorder = metrics.NewRecorder(registry)
		gatherer = registry
		middlewares = append(middlewares, recorder.Middleware())
	}

	clients := make(map[config.ModelKey]llm.Client, len(config.Keys()))
	for _, key := range config.Keys() {
		client, err := provider.New(cfg, key, middlewares...)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s client: %w", key, err)
		}
		clients[key] = client
	}

	sched := scheduler.New(ledger, clients, estimator, cfg.Executor)

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	store, err := persistence.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sched.AddRequestLog(store)
	if recorder != nil {
		sched.AddRequestLog(recorder)
		sched.AddObserver(recorder)
	}

	mem := memory.NewManager(sched, config.KeyLite, estimator, cfg.Memory, store)

	a := &app{
		cfg:      cfg,
		ledger:   ledger,
		sched:    sched,
		mem:      mem,
		store:    store,
		recorder: recorder,
		logger:   logger,
	}
	if cfg.Health.Addr != "" {
		a.health = health.NewServer(sched, gatherer)
	}
	return a, nil
}

// start brings the scheduler and health server up under an app-owned
// context, so shutdown can stop them independently of the signal context.
func (a *app) start() error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.sched.Start(runCtx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if a.health != nil {
		if err := a.health.Start(runCtx, a.cfg.Health.Addr); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}
	return nil
}

// shutdown tears the app down in dependency order: memory first so in-flight
// summarizations can finish and snapshots land, then the scheduler, then the
// store the snapshots were written to.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.mem.Close(ctx); err != nil {
		a.logger.Warn("Memory shutdown incomplete: %v", err)
	}
	if err := a.sched.Stop(ctx); err != nil {
		a.logger.Warn("Scheduler shutdown incomplete: %v", err)
	}
	if a.cancel != nil {
		a.cancel()
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close database: %v", err)
	}
	a.logger.Info("Shutdown complete")
}

// oneShot sends a single prompt and prints the streamed reply.
func (a *app) oneShot(ctx context.Context, key config.ModelKey, sessionID, prompt string) error {
	if restored := a.mem.Open(sessionID); restored {
		a.logger.Info("Restored session %s", sessionID)
	}
	return a.send(ctx, key, sessionID, prompt)
}

// repl runs the interactive chat loop until /exit, EOF, or ctx cancellation.
func (a *app) repl(ctx context.Context, key config.ModelKey, sessionID string) error {
	if restored := a.mem.Open(sessionID); restored {
		fmt.Printf("Restored session %s\n", sessionID)
	}
	fmt.Printf("cadence %s | provider %s | model %s | session %s\n", version.Version, a.cfg.Provider, key, sessionID)
	fmt.Println(`Type a message, or "/quota", "/stats", "/exit".`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/quota":
			a.printQuota()
			continue
		case "/stats":
			a.printStats(sessionID)
			continue
		}

		if err := a.send(ctx, key, sessionID, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

// send assembles the tiered prompt, submits it, streams deltas to stdout,
// and records both sides of the exchange in memory.
func (a *app) send(ctx context.Context, key config.ModelKey, sessionID, text string) error {
	assembled, err := a.mem.AssemblePrompt(sessionID, memory.AssembleInput{Prompt: text})
	if err != nil {
		return err
	}

	ticket, err := a.sched.Submit(scheduler.Request{
		Prompt: assembled.Text,
		Model:  key,
		Mode:   scheduler.SystemChat,
	})
	if err != nil {
		return err
	}
	a.mem.AddMessage(sessionID, llm.RoleUser, text)

	for ev := range ticket.Events {
		if ev.Delta != "" {
			fmt.Print(ev.Delta)
		}
		if ev.Notice != "" {
			fmt.Fprintf(os.Stderr, "[%s]\n", ev.Notice)
		}
		if ev.Done || ev.Error != "" {
			break
		}
	}

	res, err := ticket.Wait(ctx)
	if err != nil {
		fmt.Println()
		return err
	}
	fmt.Println()

	a.mem.AddMessage(sessionID, llm.RoleModel, res.Text)
	if a.recorder != nil {
		if stats, ok := a.mem.Stats(sessionID); ok {
			a.recorder.ObserveMemory(stats)
		}
	}
	return nil
}

// printQuota renders the live quota snapshot for every model key.
func (a *app) printQuota() {
	fmt.Printf("%-10s %-18s %-10s %-8s %s\n", "KEY", "WINDOW TOKENS", "RPM", "QUEUED", "NEXT SLOT")
	for _, st := range a.sched.Status() {
		next := "now"
		if st.NextAvailableMs > 0 {
			next = fmt.Sprintf("%.1fs", float64(st.NextAvailableMs)/1000)
		}
		fmt.Printf("%-10s %-18s %-10s %-8d %s\n",
			st.Key,
			fmt.Sprintf("%d/%d", st.UsedTokens, st.Capacity),
			fmt.Sprintf("%d/%d", st.RPMUsed, st.RPMLimit),
			st.Queued,
			next)
	}
}

// printStats renders the memory state for the active session.
func (a *app) printStats(sessionID string) {
	stats, ok := a.mem.Stats(sessionID)
	if !ok {
		fmt.Println("No memory for this session yet.")
		return
	}
	fmt.Printf("session %s\n", stats.SessionID)
	fmt.Printf("  recent:    %d messages, %d tokens\n", stats.RecentMessages, stats.RecentTokens)
	fmt.Printf("  bank:      %d summaries, %d tokens (v%d)\n", stats.BankSummaries, stats.BankTokens, stats.BankVersion)
	fmt.Printf("  activity:  %d interactions, %d summarizations, %d compressions\n",
		stats.Interactions, stats.Summarizations, stats.Compressions)
}

// unlockCredentials decrypts the credential store when one exists and the
// passphrase is available from the environment or an interactive terminal.
func unlockCredentials(cfg *config.Config) error {
	if cfg.Provider == config.ProviderOllama || !config.CredentialsFileExists() {
		return nil
	}
	if envName := config.APIKeyEnv(cfg.Provider); envName != "" && os.Getenv(envName) != "" {
		return nil
	}

	passphrase := os.Getenv(config.EnvPassphrase)
	if passphrase == "" {
		if !term.IsTerminal(syscall.Stdin) {
			return fmt.Errorf("credential store is locked: set %s or run interactively", config.EnvPassphrase)
		}
		b, err := readPassword("Passphrase for credential store: ")
		if err != nil {
			return err
		}
		passphrase = string(b)
		zeroBytes(b)
	}

	creds, err := config.DecryptCredentialsFile(passphrase)
	if err != nil {
		return err
	}
	config.SetCredentials(creds)
	return nil
}

// runStoreKey prompts for an API key and writes it to the encrypted store,
// creating the store (and its passphrase) on first use.
func runStoreKey(cfg *config.Config) error {
	envName := config.APIKeyEnv(cfg.Provider)
	if envName == "" {
		return fmt.Errorf("provider %q does not authenticate with an API key", cfg.Provider)
	}
	if !term.IsTerminal(syscall.Stdin) {
		return fmt.Errorf("-store-key requires an interactive terminal")
	}

	keyBytes, err := readPassword(fmt.Sprintf("Enter %s: ", envName))
	if err != nil {
		return err
	}
	defer zeroBytes(keyBytes)
	if len(keyBytes) == 0 {
		return fmt.Errorf("no key entered")
	}

	var passphrase string
	if config.CredentialsFileExists() {
		b, err := readPassword("Passphrase for credential store: ")
		if err != nil {
			return err
		}
		passphrase = string(b)
		zeroBytes(b)

		existing, err := config.DecryptCredentialsFile(passphrase)
		if err != nil {
			return err
		}
		config.SetCredentials(existing)
	} else {
		passphrase, err = promptNewPassphrase()
		if err != nil {
			return err
		}
	}

	config.SetCredential(envName, string(keyBytes))
	if err := config.SaveCredentials(passphrase); err != nil {
		return err
	}

	dir, err := config.Dir()
	if err != nil {
		return err
	}
	fmt.Printf("Stored %s in %s/credentials.enc\n", envName, dir)
	return nil
}

// promptNewPassphrase asks for a passphrase with confirmation.
func promptNewPassphrase() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		first, err := readPassword("Choose a passphrase for the credential store: ")
		if err != nil {
			return "", err
		}
		second, err := readPassword("Confirm passphrase: ")
		if err != nil {
			zeroBytes(first)
			return "", err
		}

		match := string(first) == string(second)
		passphrase := string(first)
		zeroBytes(first)
		zeroBytes(second)

		if match {
			if passphrase == "" {
				return "", fmt.Errorf("passphrase must not be empty")
			}
			fmt.Printf("You will need this passphrase on every start; set %s to skip the prompt.\n", config.EnvPassphrase)
			return passphrase, nil
		}
		if attempt < maxAttempts {
			fmt.Println("Passphrases do not match. Please try again.")
		}
	}
	return "", fmt.Errorf("passphrases did not match after %d attempts", maxAttempts)
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Print(prompt)
	b, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	return b, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
