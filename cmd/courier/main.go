package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/courier-im/courier/internal/config"
	"github.com/courier-im/courier/internal/metrics"
	"github.com/courier-im/courier/internal/socket"
	"github.com/courier-im/courier/internal/transport"
)

const (
	appName = "courier"
	version = "v0.3.0"
)

var (
	flagConfig   string
	flagServer   string
	flagLogin    string
	flagPassword string
	flagVerbose  bool
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Socket transport client for the messaging backend",
		Version: version,
		Long: `courier multiplexes API traffic to the messaging backend over two
long-lived WebSocket channels: an authenticated one that also delivers
server pushes, and a demand-driven unauthenticated one.`,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if flagVerbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			} else {
				zerolog.SetGlobalLevel(zerolog.InfoLevel)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "Backend base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogin, "login", "", "Account login")
	rootCmd.PersistentFlags().StringVar(&flagPassword, "password", "", "Account password")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print server pushes",
		Long:  "Authenticates, keeps the socket open, and prints every server-initiated request until interrupted.",
		RunE:  runWatch,
	}
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (empty disables)")

	fetchCmd := &cobra.Command{
		Use:   "fetch <url>",
		Short: "Issue one request over the socket transport",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetch,
	}
	fetchCmd.Flags().StringP("method", "X", "GET", "Request method")
	fetchCmd.Flags().StringP("data", "d", "", "Request body")
	fetchCmd.Flags().StringArrayP("header", "H", nil, "Extra header (Name: Value), repeatable")
	fetchCmd.Flags().Bool("auth", false, "Route over the authenticated channel")
	fetchCmd.Flags().Duration("timeout", 0, "Per-request timeout (0 uses the default)")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Connect, probe liveness, and report status",
		RunE:  runCheck,
	}

	rootCmd.AddCommand(watchCmd, fetchCmd, checkCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// buildManager resolves config, flag overrides, and metrics into a manager.
func buildManager(reg *metrics.Registry) (*transport.Manager, error) {
	var cfg *config.Config
	if flagConfig != "" {
		loaded, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		def := config.Default()
		cfg = &def
	}
	if flagServer != "" {
		cfg.Server.URL = flagServer
	}
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("no server URL: pass --server or set server.url in config")
	}
	opts, err := transport.OptionsFromConfig(cfg, reg)
	if err != nil {
		return nil, err
	}
	return transport.NewManager(opts), nil
}

func credentials() transport.Credentials {
	return transport.Credentials{Username: flagLogin, Password: flagPassword}
}

func runWatch(cmd *cobra.Command, _ []string) error {
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	var reg *metrics.Registry
	if metricsAddr != "" {
		promReg := prometheus.NewRegistry()
		reg = metrics.NewRegistry(promReg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			log.Info().Str("addr", metricsAddr).Msg("metrics listening")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	m, err := buildManager(reg)
	if err != nil {
		return err
	}

	unsubStatus := m.OnStatusChange(func(s transport.Status) {
		log.Info().Str("status", s.String()).Msg("connection status")
	})
	defer unsubStatus()
	unsubAuth := m.OnAuthError(func(err error) {
		log.Error().Err(err).Msg("credentials rejected; fix them and restart")
	})
	defer unsubAuth()

	unregister := m.RegisterRequestHandler(func(req *socket.IncomingRequest) {
		log.Info().Str("verb", req.Verb).Str("path", req.Path).
			Int("bytes", len(req.Body)).Msg("server push")
		if len(req.Body) > 0 {
			fmt.Println(string(req.Body))
		}
		req.Respond(http.StatusOK, "OK")
	})
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = m.Authenticate(ctx, credentials())
	cancel()
	if err != nil {
		return fmt.Errorf("initial connect: %w", err)
	}
	log.Info().Msg("connected; watching for pushes (Ctrl-C to exit)")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	m.Logout()
	return nil
}

func runFetch(cmd *cobra.Command, args []string) error {
	method, _ := cmd.Flags().GetString("method")
	data, _ := cmd.Flags().GetString("data")
	rawHeaders, _ := cmd.Flags().GetStringArray("header")
	useAuth, _ := cmd.Flags().GetBool("auth")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	m, err := buildManager(nil)
	if err != nil {
		return err
	}
	defer m.Logout()

	headers := make(http.Header)
	for _, h := range rawHeaders {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("malformed header %q, want Name: Value", h)
		}
		headers.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	creds := credentials()
	if useAuth {
		if creds.Empty() {
			return fmt.Errorf("--auth requires --login and --password")
		}
		headers.Set("Authorization", creds.BasicAuth())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = m.Authenticate(ctx, creds)
		cancel()
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
	}

	var body any
	if data != "" {
		body = data
	}
	resp, err := m.Fetch(context.Background(), args[0], transport.FetchOptions{
		Method:  method,
		Headers: headers,
		Body:    body,
		Timeout: timeout,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d %s\n", resp.Status, resp.StatusText)
	for name, values := range resp.Headers {
		for _, v := range values {
			fmt.Fprintf(os.Stderr, "%s: %s\n", name, v)
		}
	}
	if len(resp.Body) > 0 {
		fmt.Println(string(resp.Body))
	}
	if !resp.Ok() {
		os.Exit(1)
	}
	return nil
}

func runCheck(_ *cobra.Command, _ []string) error {
	m, err := buildManager(nil)
	if err != nil {
		return err
	}
	defer m.Logout()

	creds := credentials()
	if creds.Empty() {
		return fmt.Errorf("check requires --login and --password")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = m.Authenticate(ctx, creds)
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	m.Check()

	fmt.Printf("status: %s (connected in %s)\n", m.GetStatus(), time.Since(start).Round(time.Millisecond))
	return nil
}
