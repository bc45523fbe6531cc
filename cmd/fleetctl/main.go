package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"fleetctl/internal/api"
	"fleetctl/internal/config"
	"fleetctl/internal/controller"
	"fleetctl/internal/devices"
	"fleetctl/internal/metrics"
	"fleetctl/internal/model"
	"fleetctl/internal/nodes"
	"fleetctl/internal/store"
	"fleetctl/internal/usage"
)

const usageText = `fleetctl - control plane for a fleet of proxy nodes

Usage:
  fleetctl init --config <path> [--listen addr] [--data-dir dir]
  fleetctl serve --config <path> [--listen addr] [--database path] [--verbose]
  fleetctl nodes list --config <path>
  fleetctl nodes add --config <path> --name <name> --address <host> --port <port> [--coefficient 1]
  fleetctl resync --server <url> --node <id>
  fleetctl devices list --config <path> --user <id>
  fleetctl devices stats --config <path> --user <id>
  fleetctl export csv --config <path> --user <id> --out <file>
  fleetctl report --config <path> --user <id> [--window 24h]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usageText)
	case "init":
		handleInit(os.Args[2:])
	case "serve":
		handleServe(os.Args[2:])
	case "nodes":
		handleNodes(os.Args[2:])
	case "resync":
		handleResync(os.Args[2:])
	case "devices":
		handleDevices(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	case "report":
		handleReport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
}

func handleInit(args []string) {
	fs := pflag.NewFlagSet("init", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address")
	dataDir := fs.String("data-dir", "", "data directory")
	enforce := fs.Bool("enforce-device-limits", false, "ask nodes to reject unknown devices over the limit")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	cfg := config.Config{Controller: &config.ControllerConfig{
		Listen:              *listen,
		DataDir:             *dataDir,
		EnforceDeviceLimits: *enforce,
	}}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	fatal(config.Save(*configPath, cfg))
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func handleServe(args []string) {
	fs := pflag.NewFlagSet("serve", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "listen address override")
	database := fs.String("database", "", "database path override")
	verbose := fs.BoolP("verbose", "v", false, "debug logging")
	_ = fs.Parse(args)

	cfg := controllerConfig(*configPath, *listen, *database)
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.Make(sloghuman.Sink(os.Stderr)).Leveled(level)

	ctx, cancel := signalContext()
	defer cancel()
	fatal(serve(ctx, logger, cfg))
}

func serve(ctx context.Context, logger slog.Logger, cfg config.ControllerConfig) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	certPEM, keyPEM, err := readClientCert(cfg)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(promReg)

	ledger, err := devices.NewLedger(db, nil, cfg.DeviceCacheSize)
	if err != nil {
		return err
	}
	allow := nodes.NewAllowList(db, ledger, cfg.EnforceDeviceLimits)
	registry := nodes.NewRegistry(db, allow, func(node model.Node) (nodes.Transport, error) {
		return api.NewClient(api.Options{
			Address: node.Address,
			Port:    node.Port,
			CertPEM: certPEM,
			KeyPEM:  keyPEM,
		})
	}, nodes.Options{
		Logger:          logger,
		Metrics:         m,
		MonitorInterval: cfg.MonitorInterval,
		ConnectTimeout:  cfg.ConnectTimeout,
		SyncTimeout:     cfg.SyncTimeout,
	})
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warn(context.Background(), "close node connections", slog.Error(err))
		}
	}()
	if err := registry.LoadFromStore(ctx); err != nil {
		logger.Warn(ctx, "some nodes could not be loaded", slog.Error(err))
	}

	tracker := devices.NewTracker(logger.Named("tracker"), db, ledger, registry,
		devices.WithBucketWidth(cfg.BucketWidth))
	recorder := usage.New(db, usage.RegistryFleet(registry), tracker, usage.Options{
		Logger:       logger,
		Metrics:      m,
		FetchTimeout: cfg.FetchTimeout,
	})

	srv := controller.NewServer(controller.Options{
		Logger:      logger,
		Listen:      cfg.Listen,
		MetricsPath: cfg.MetricsPath,
		DB:          db,
		Registry:    registry,
		Ledger:      ledger,
		Gatherer:    promReg,
	})

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.ListenAndServe(ctx)
	})
	eg.Go(func() error {
		err := recorder.Start(ctx, cfg.UsageInterval).Wait()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return eg.Wait()
}

func handleNodes(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "nodes subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "list":
		nodesList(args[1:])
	case "add":
		nodesAdd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown nodes subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func nodesList(args []string) {
	fs := pflag.NewFlagSet("nodes list", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	database := fs.String("database", "", "database path override")
	_ = fs.Parse(args)

	ctx := context.Background()
	db := openStore(ctx, controllerConfig(*configPath, "", *database))
	defer db.Close()

	list, err := db.ListNodes(ctx)
	if err != nil {
		fatal(err)
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stdout, "no registered nodes")
		return
	}
	fmt.Fprintf(os.Stdout, "%-4s  %-16s  %-22s  %-6s  %-10s  %s\n", "ID", "NAME", "ADDRESS", "COEF", "STATUS", "MESSAGE")
	for _, n := range list {
		fmt.Fprintf(os.Stdout, "%-4d  %-16s  %-22s  %-6.2f  %-10s  %s\n",
			n.ID, n.Name, fmt.Sprintf("%s:%d", n.Address, n.Port), n.UsageCoefficient, n.Status, n.Message)
	}
}

func nodesAdd(args []string) {
	fs := pflag.NewFlagSet("nodes add", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	database := fs.String("database", "", "database path override")
	name := fs.String("name", "", "node name")
	address := fs.String("address", "", "node host")
	port := fs.Int("port", 53042, "node RPC port")
	coefficient := fs.Float64("coefficient", 1, "usage coefficient")
	_ = fs.Parse(args)

	if *name == "" || *address == "" {
		fatal(errors.New("--name and --address are required"))
	}
	if *coefficient < 0 {
		fatal(errors.New("--coefficient must not be negative"))
	}

	ctx := context.Background()
	db := openStore(ctx, controllerConfig(*configPath, "", *database))
	defer db.Close()

	node, err := db.InsertNode(ctx, model.Node{
		Name:             *name,
		Address:          *address,
		Port:             *port,
		UsageCoefficient: *coefficient,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "added node %d (%s); a running server picks it up on restart\n", node.ID, node.Name)
}

func handleResync(args []string) {
	fs := pflag.NewFlagSet("resync", pflag.ExitOnError)
	server := fs.String("server", "http://"+config.DefaultListen, "controller base URL")
	nodeID := fs.Int64("node", 0, "node id")
	_ = fs.Parse(args)

	if *nodeID <= 0 {
		fatal(errors.New("--node is required"))
	}
	url := fmt.Sprintf("%s/api/nodes/%d/resync", normalizeBaseURL(*server), *nodeID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		fatal(xerrors.Errorf("resync node %d: %s", *nodeID, resp.Status))
	}
	fmt.Fprintf(os.Stdout, "node %d resynced\n", *nodeID)
}

func handleDevices(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "devices subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "list":
		devicesList(args[1:])
	case "stats":
		devicesStats(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown devices subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func devicesList(args []string) {
	fs := pflag.NewFlagSet("devices list", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	database := fs.String("database", "", "database path override")
	userID := fs.Int64("user", 0, "user id")
	_ = fs.Parse(args)

	ctx := context.Background()
	db := openStore(ctx, controllerConfig(*configPath, "", *database))
	defer db.Close()

	devs, err := db.ListUserDevices(ctx, *userID, nil)
	if err != nil {
		fatal(err)
	}
	if len(devs) == 0 {
		fmt.Fprintln(os.Stdout, "no devices")
		return
	}
	fmt.Fprintf(os.Stdout, "%-6s  %-16s  %-8s  %-20s  %-7s  %s\n", "ID", "CLIENT", "TYPE", "LAST_SEEN", "BLOCKED", "FINGERPRINT")
	for _, d := range devs {
		fmt.Fprintf(os.Stdout, "%-6d  %-16s  %-8s  %-20s  %-7t  %s\n",
			d.ID, d.ClientName, d.ClientType, d.LastSeenAt.UTC().Format(time.RFC3339), d.Blocked, d.Fingerprint[:16])
	}
}

func devicesStats(args []string) {
	fs := pflag.NewFlagSet("devices stats", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	database := fs.String("database", "", "database path override")
	userID := fs.Int64("user", 0, "user id")
	_ = fs.Parse(args)

	ctx := context.Background()
	cfg := controllerConfig(*configPath, "", *database)
	db := openStore(ctx, cfg)
	defer db.Close()

	ledger, err := devices.NewLedger(db, nil, cfg.DeviceCacheSize)
	if err != nil {
		fatal(err)
	}
	stats, err := ledger.UserStatistics(ctx, *userID)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "devices=%d active=%d blocked=%d suspicious=%d\n",
		stats.TotalDevices, stats.ActiveDevices, stats.BlockedDevices, stats.SuspiciousDevices)
	fmt.Fprintf(os.Stdout, "ips=%d countries=%s traffic=%d bytes\n",
		stats.TotalIPs, strings.Join(stats.UniqueCountries, ","), stats.TotalTraffic)
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := pflag.NewFlagSet("export csv", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	database := fs.String("database", "", "database path override")
	userID := fs.Int64("user", 0, "user id")
	out := fs.String("out", "", "output file, appended to if it exists")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	ctx := context.Background()
	db := openStore(ctx, controllerConfig(*configPath, "", *database))
	defer db.Close()

	rows, err := db.ListUserTraffic(ctx, *userID)
	if err != nil {
		fatal(err)
	}
	if err := metrics.AppendTrafficCSV(*out, rows); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %d buckets to %s\n", len(rows), *out)
}

func handleReport(args []string) {
	fs := pflag.NewFlagSet("report", pflag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	database := fs.String("database", "", "database path override")
	userID := fs.Int64("user", 0, "user id")
	window := fs.Duration("window", 24*time.Hour, "time window")
	csvPath := fs.String("csv", "", "read buckets from an exported CSV instead of the database")
	_ = fs.Parse(args)

	var (
		rows []model.DeviceTraffic
		err  error
	)
	if *csvPath != "" {
		rows, err = metrics.ReadTrafficCSV(*csvPath)
	} else {
		ctx := context.Background()
		db := openStore(ctx, controllerConfig(*configPath, "", *database))
		defer db.Close()
		rows, err = db.ListUserTraffic(ctx, *userID)
	}
	if err != nil {
		fatal(err)
	}

	summary := metrics.Summarize(rows, time.Now().UTC().Add(-*window))
	if summary.Buckets == 0 {
		fmt.Fprintln(os.Stdout, "no traffic in window")
		return
	}
	fmt.Fprintf(os.Stdout, "buckets=%d devices=%d from=%s to=%s\n",
		summary.Buckets, summary.Devices, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "upload=%d download=%d connects=%d\n", summary.UploadBytes, summary.DownloadBytes, summary.Connects)
	fmt.Fprintf(os.Stdout, "bucket bytes avg=%.0f p95=%.0f max=%.0f\n", summary.AvgBucketBytes, summary.P95BucketBytes, summary.MaxBucketBytes)
}

// controllerConfig loads the config file (if any) and applies flag overrides.
func controllerConfig(path, listen, database string) config.ControllerConfig {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Controller == nil {
		cfg.Controller = &config.ControllerConfig{}
	}
	if listen != "" {
		cfg.Controller.Listen = listen
	}
	if database != "" {
		cfg.Controller.Database = database
	}
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		fatal(err)
	}
	return *cfg.Controller
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func openStore(ctx context.Context, cfg config.ControllerConfig) store.Store {
	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		fatal(err)
	}
	return db
}

func readClientCert(cfg config.ControllerConfig) (string, string, error) {
	if cfg.ClientCertFile == "" {
		return "", "", nil
	}
	cert, err := os.ReadFile(cfg.ClientCertFile)
	if err != nil {
		return "", "", xerrors.Errorf("read client certificate: %w", err)
	}
	key, err := os.ReadFile(cfg.ClientKeyFile)
	if err != nil {
		return "", "", xerrors.Errorf("read client key: %w", err)
	}
	return string(cert), string(key), nil
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + strings.TrimRight(addr, "/")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
