// Command cadencectl inspects a running cadence daemon: per-model usage
// aggregated by Prometheus, and liveness/quota from the health server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"cadence/pkg/config"
	"cadence/pkg/metrics"
	"cadence/pkg/scheduler"
	"cadence/pkg/version"
)

const queryTimeout = 30 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "Path to config file (default ~/.cadence/cadence.yaml)")
		promURL     = flag.String("prometheus", "", "Prometheus base URL (default: metrics.prometheus_url from config)")
		window      = flag.Duration("window", 24*time.Hour, "Usage window for the report")
		healthMode  = flag.Bool("health", false, "Query the daemon's health server instead of Prometheus")
		addr        = flag.String("addr", "", "Daemon health address for -health (default: health.addr from config)")
		jsonOut     = flag.Bool("json", false, "Emit raw JSON instead of a table")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("cadencectl %s\n", version.Version)
		os.Exit(0)
	}

	os.Exit(run(*configPath, *promURL, *addr, *window, *healthMode, *jsonOut))
}

func run(configPath, promURL, addr string, window time.Duration, healthMode, jsonOut bool) int {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if healthMode {
		if addr == "" {
			addr = cfg.Health.Addr
		}
		if addr == "" {
			fmt.Fprintln(os.Stderr, "No health address: pass -addr or set health.addr in the config")
			return 1
		}
		if err := reportHealth(ctx, addr, jsonOut); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		return 0
	}

	if promURL == "" {
		promURL = cfg.Metrics.PrometheusURL
	}
	if promURL == "" {
		fmt.Fprintln(os.Stderr, "No Prometheus URL: pass -prometheus or set metrics.prometheus_url in the config")
		return 1
	}
	if err := reportUsage(ctx, promURL, window, jsonOut); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

// reportUsage prints the per-model usage table for the window.
func reportUsage(ctx context.Context, promURL string, window time.Duration, jsonOut bool) error {
	svc, err := metrics.NewQueryService(promURL)
	if err != nil {
		return err
	}

	usage, err := svc.Usage(ctx, window)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(usage)
	}

	if len(usage) == 0 {
		fmt.Printf("No usage recorded in the last %s.\n", window)
		return nil
	}

	fmt.Printf("Usage over the last %s:\n\n", window)
	fmt.Printf("%-10s %10s %14s %14s %8s\n", "MODEL", "REQUESTS", "TOKENS", "RESERVED", "RETRIES")
	var requests, tokens int64
	for _, u := range usage {
		fmt.Printf("%-10s %10d %14d %14d %8d\n", u.Model, u.Requests, u.ActualTokens, u.ReservedTokens, u.Retries)
		requests += u.Requests
		tokens += u.ActualTokens
	}
	fmt.Printf("\n%-10s %10d %14d\n", "total", requests, tokens)
	return nil
}

// reportHealth hits /healthz and /quota on a running daemon.
func reportHealth(ctx context.Context, addr string, jsonOut bool) error {
	base := "http://" + addr

	var liveness map[string]any
	if err := getJSON(ctx, base+"/healthz", &liveness); err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", addr, err)
	}

	var statuses []scheduler.QuotaStatus
	if err := getJSON(ctx, base+"/quota", &statuses); err != nil {
		return fmt.Errorf("failed to read quota status: %w", err)
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"health": liveness,
			"quota":  statuses,
		})
	}

	fmt.Printf("Daemon at %s: %v (version %v, up %vs)\n\n",
		addr, liveness["status"], liveness["version"], liveness["uptime_seconds"])

	fmt.Printf("%-10s %-18s %-10s %-8s %s\n", "KEY", "WINDOW TOKENS", "RPM", "QUEUED", "NEXT SLOT")
	for _, st := range statuses {
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
	return nil
}

func getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
