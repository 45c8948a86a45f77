package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/irctrakz/tunsocks/pkg/bypass"
	"github.com/irctrakz/tunsocks/pkg/config"
	"github.com/irctrakz/tunsocks/pkg/logging"
	"github.com/irctrakz/tunsocks/pkg/proxy"
	"github.com/irctrakz/tunsocks/pkg/relay"
	"github.com/irctrakz/tunsocks/pkg/tun"
)

// Version is set at build time.
var Version = "dev"

func main() {
	app := &cli.App{
		Name:    "tunsocks",
		Usage:   "relay TCP and DNS from a tun device through a SOCKS5 or HTTP CONNECT proxy",
		Version: Version,
		Flags:   flags(),
		Action:  run,
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "validate the configuration and probe the proxy",
				Flags:  flags(),
				Action: check,
			},
			{
				Name:      "dump-config",
				Usage:     "write the effective configuration to a .json or .yaml file",
				ArgsUsage: "<path>",
				Flags:     flags(),
				Action:    dumpConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		logging.Errorf("tunsocks: %v", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	env := func(name string) []string { return []string{config.EnvPrefix + name} }
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "config file (.json, .yaml)", EnvVars: env("CONFIG")},
		&cli.StringFlag{Name: "proxy", Usage: "proxy URL, format: socks5://[user:pass@]host:port or http://host:port", EnvVars: env("PROXY")},
		&cli.StringSliceFlag{Name: "dns", Usage: "fallback DNS server (repeatable)", EnvVars: env("DNS")},
		&cli.StringFlag{Name: "tun-name", Usage: "name of the tun device to create", EnvVars: env("TUN_NAME")},
		&cli.IntFlag{Name: "tun-fd", Usage: "use an already-open tun descriptor", EnvVars: env("TUN_FD")},
		&cli.StringFlag{Name: "tun-backend", Usage: "tun backend: wireguard or water", EnvVars: env("TUN_BACKEND")},
		&cli.IntFlag{Name: "mtu", Usage: "tun MTU", EnvVars: env("TUN_MTU")},
		&cli.StringFlag{Name: "pcap", Usage: "tee tun traffic to this pcap file", EnvVars: env("PCAP")},
		&cli.StringSliceFlag{Name: "bind-interface", Usage: "bind proxy sockets to this interface (repeatable)", EnvVars: env("BYPASS_INTERFACES")},
		&cli.IntFlag{Name: "fwmark", Usage: "fwmark applied to proxy sockets (linux)", EnvVars: env("BYPASS_MARK")},
		&cli.IntFlag{Name: "max-flows", Usage: "maximum concurrent TCP flows, 0 for unlimited", EnvVars: env("MAX_FLOWS")},
		&cli.DurationFlag{Name: "idle-timeout", Usage: "reset flows idle for this long", EnvVars: env("IDLE_TIMEOUT")},
		&cli.BoolFlag{Name: "debug", Usage: "debug logging", EnvVars: env("DEBUG")},
		&cli.BoolFlag{Name: "log-json", Usage: "JSON log lines", EnvVars: env("LOG_JSON")},
		&cli.StringFlag{Name: "log-file", Usage: "also log to this rotated file", EnvVars: env("LOG_FILE")},
		&cli.StringFlag{Name: "status-addr", Usage: "listen address for /health, /metrics and /flows", EnvVars: env("STATUS")},
		&cli.DurationFlag{Name: "metrics-interval", Usage: "log counters at this interval, 0 disables", EnvVars: env("METRICS_INTERVAL")},
	}
}

// loadConfig layers defaults, the config file, TUNSOCKS_* variables and
// explicitly set flags, in that order.
func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if path := ctx.String("config"); path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	if ctx.IsSet("proxy") {
		p, err := config.ParseProxyURL(ctx.String("proxy"))
		if err != nil {
			return nil, err
		}
		p.DNS1, p.DNS2 = cfg.Proxy.DNS1, cfg.Proxy.DNS2
		cfg.Proxy = p
	}
	if ctx.IsSet("dns") {
		servers := ctx.StringSlice("dns")
		cfg.Proxy.DNS1, cfg.Proxy.DNS2 = "", ""
		if len(servers) > 0 {
			cfg.Proxy.DNS1 = servers[0]
		}
		if len(servers) > 1 {
			cfg.Proxy.DNS2 = servers[1]
		}
		if len(servers) > 2 {
			cfg.Relay.DNSServers = servers[2:]
		}
	}
	if ctx.IsSet("tun-name") {
		cfg.Tun.Name = ctx.String("tun-name")
	}
	if ctx.IsSet("tun-fd") {
		cfg.Tun.FD = ctx.Int("tun-fd")
	}
	if ctx.IsSet("mtu") {
		cfg.Tun.MTU = ctx.Int("mtu")
	}
	if ctx.IsSet("tun-backend") {
		cfg.Tun.Backend = ctx.String("tun-backend")
	}
	if ctx.IsSet("pcap") {
		cfg.Tun.PCAP = ctx.String("pcap")
	}
	if ctx.IsSet("bind-interface") {
		cfg.Bypass.Interfaces = ctx.StringSlice("bind-interface")
	}
	if ctx.IsSet("fwmark") {
		cfg.Bypass.Mark = ctx.Int("fwmark")
	}
	if ctx.IsSet("max-flows") {
		cfg.Relay.MaxFlows = ctx.Int("max-flows")
	}
	if ctx.IsSet("idle-timeout") {
		cfg.Relay.IdleTimeout = ctx.Duration("idle-timeout")
	}
	if ctx.Bool("debug") {
		cfg.Logging.Level = "debug"
	}
	if ctx.IsSet("log-json") {
		cfg.Logging.JSON = ctx.Bool("log-json")
	}
	if ctx.IsSet("log-file") {
		cfg.Logging.File = ctx.String("log-file")
	}
	if ctx.IsSet("status-addr") {
		cfg.Status = ctx.String("status-addr")
	}
	if ctx.IsSet("metrics-interval") {
		cfg.MetricsInterval = ctx.Duration("metrics-interval")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func run(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}
	rc := cfg.RelayConfig()

	dev, err := tun.Open(cfg.Tun)
	if err != nil {
		return fmt.Errorf("tun: %w", err)
	}

	chain := bypass.New(cfg.Bypass, dev.Name(), nil)
	protected := bypass.Dialer(chain, rc.ConnectTimeout)

	dialer, err := proxy.NewDialer(ctx.Context, cfg.Proxy, protected, rc.HandshakeTimeout)
	if err != nil {
		dev.Close()
		return err
	}
	probeProxy(ctx.Context, protected, dialer)

	eng := relay.New(rc, dev, dialer, relay.MultiObserver{relay.LogObserver{}}, relay.WithDNSDialer(protected))
	chain.OnFailure = eng.ReportBypassFailure
	if err := eng.Start(); err != nil {
		dev.Close()
		return err
	}
	logging.Infof("tunsocks %s: relaying %s through %s proxy %s", Version, dev.Name(), cfg.Proxy.Kind, dialer.Address())

	var status *statusServer
	if cfg.Status != "" {
		status = newStatusServer(cfg.Status, eng)
		status.Start()
	}
	stopMetrics := make(chan struct{})
	if cfg.MetricsInterval > 0 {
		go runMetricsReporter(eng, cfg.MetricsInterval, stopMetrics)
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigc:
		logging.Infof("tunsocks: received %v, shutting down", sig)
	case <-ctx.Context.Done():
	}

	close(stopMetrics)
	if status != nil {
		status.Stop()
	}
	return eng.Stop()
}

func check(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}
	rc := cfg.RelayConfig()
	protected := bypass.Dialer(bypass.New(cfg.Bypass, cfg.Tun.Name, nil), rc.ConnectTimeout)
	dialer, err := proxy.NewDialer(ctx.Context, cfg.Proxy, protected, rc.HandshakeTimeout)
	if err != nil {
		return err
	}
	if !probeProxy(ctx.Context, protected, dialer) {
		return fmt.Errorf("proxy %s unreachable", dialer.Address())
	}
	logging.Infof("config ok, %s proxy %s reachable", cfg.Proxy.Kind, dialer.Address())
	return nil
}

func dumpConfig(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("dump-config needs exactly one path")
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	return cfg.SaveToFile(ctx.Args().First())
}

// probeProxy opens and closes a protected TCP connection to the proxy.
// Failure is only logged; flows report their own errors.
func probeProxy(ctx context.Context, d proxy.ContextDialer, pd *proxy.Dialer) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	conn, err := d.DialContext(ctx, "tcp", pd.Address().String())
	if err != nil {
		logging.Warnf("tunsocks: proxy %s not reachable: %v", pd.Address(), err)
		return false
	}
	conn.Close()
	return true
}
