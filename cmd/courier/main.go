// Command courier is the on-host agent controller: it registers this
// host with monitoring sites, serves monitoring data over the pull and
// push transports, and keeps the per-site certificates fresh.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hostcourier/courier/internal/config"
	"github.com/hostcourier/courier/internal/daemon"
	"github.com/hostcourier/courier/internal/logging"
	"github.com/hostcourier/courier/internal/monitoring"
	"github.com/hostcourier/courier/internal/pull"
	"github.com/hostcourier/courier/internal/push"
	"github.com/hostcourier/courier/internal/receiver"
	"github.com/hostcourier/courier/internal/registration"
	"github.com/hostcourier/courier/internal/registry"
	"github.com/hostcourier/courier/internal/renewal"
	"github.com/hostcourier/courier/internal/sitespec"
	"github.com/hostcourier/courier/internal/status"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

const usage = `Usage: courier [-v] <command> [options]

Commands:
  register           register this host at a site under a host name
  register-new       register with agent labels; the site creates the host
  proxy-register     register on behalf of another host, print trust material
  import             import proxy-registered trust material (file or '-')
  pull               serve monitoring data to sites that dial in
  push               periodically send monitoring data to push sites
  daemon             run pull, push and certificate renewal together
  dump               print the local agent output
  status             show connection status ([-json] [-no-query-remote])
  delete             delete one connection (site ID, UUID or imported index)
  delete-all         delete all connections [-enable-insecure-connections]
  renew-certificate  renew the certificate of one connection now
  version            print the version
`

func main() {
	verbose := flag.Bool("v", false, "enable verbose logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	command, commandArgs := args[0], args[1:]

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	log := logging.New(cfg.LogJSON, logging.Level(verbosity))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := run(ctx, command, commandArgs, cfg, log); err != nil {
		log.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, cfg *config.Config, log *logging.Logger) error {
	switch command {
	case "register":
		return cmdRegister(ctx, args, cfg, log, false)
	case "register-new":
		return cmdRegisterNew(ctx, args, cfg, log)
	case "proxy-register":
		return cmdRegister(ctx, args, cfg, log, true)
	case "import":
		return cmdImport(args, cfg, log)
	case "pull":
		return cmdPull(ctx, cfg, log)
	case "push":
		return cmdPush(ctx, cfg, log)
	case "daemon":
		log.Info("agent courier starting", "version", version, "data_dir", cfg.DataDir)
		return daemon.Run(ctx, cfg, log.Logger)
	case "dump":
		return cmdDump(ctx, cfg)
	case "status":
		return cmdStatus(ctx, args, cfg, log)
	case "delete":
		return cmdDelete(args, cfg, log)
	case "delete-all":
		return cmdDeleteAll(args, cfg, log)
	case "renew-certificate":
		return cmdRenewCertificate(ctx, args, cfg, log)
	case "version":
		fmt.Println(version)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

// registrationFlags are the options shared by register, register-new and
// proxy-register.
type registrationFlags struct {
	server    *string
	site      *string
	user      *string
	password  *string
	trustCert *bool
}

func addRegistrationFlags(fs *flag.FlagSet) registrationFlags {
	return registrationFlags{
		server:    fs.String("server", "", "server address, optionally with receiver port (host, host:port, [v6], [v6]:port)"),
		site:      fs.String("site", "", "site name"),
		user:      fs.String("user", "", "API user for registration"),
		password:  fs.String("password", "", "API password (prompted when omitted)"),
		trustCert: fs.Bool("trust-cert", false, "trust the server certificate without asking"),
	}
}

// connectionConfig merges CLI flags with the pre-seeded defaults file
// and resolves the receiver port, discovering it from the site's REST
// API when no port was given.
func connectionConfig(ctx context.Context, flags registrationFlags, cfg *config.Config, log *logging.Logger) (*registration.ConnectionConfig, *config.RegistrationDefaults, error) {
	defaults, err := config.LoadRegistrationDefaults(cfg.RegistrationDefaultsPath())
	if err != nil {
		return nil, nil, err
	}

	serverArg := *flags.server
	siteArg := *flags.site
	if serverArg == "" && defaults.SiteAddress != "" {
		// The defaults file carries "server/site" or "server:port/site".
		siteID, err := sitespec.ParseSiteID(defaults.SiteAddress)
		if err != nil {
			return nil, nil, fmt.Errorf("site address in registration defaults: %w", err)
		}
		serverArg = siteID.Server
		siteArg = siteID.Site
	}
	if serverArg == "" || siteArg == "" {
		return nil, nil, fmt.Errorf("server and site must be given (flags or registration defaults)")
	}

	spec, err := sitespec.ParseServerSpec(serverArg)
	if err != nil {
		return nil, nil, err
	}
	siteID := sitespec.SiteID{Server: spec.Server, Site: siteArg}

	port := spec.Port
	if !spec.PortSet {
		port, err = sitespec.DiscoverReceiverPort(ctx, siteID, false)
		if err != nil {
			return nil, nil, err
		}
		log.Info("discovered agent receiver port", "site", siteID, "port", port)
	}

	user := *flags.user
	password := *flags.password
	if user == "" && defaults.Credentials != nil {
		user = defaults.Credentials.Username
		if password == "" {
			password = defaults.Credentials.Password
		}
	}
	if user == "" {
		return nil, nil, fmt.Errorf("no API user given (flag -user or registration defaults)")
	}

	return &registration.ConnectionConfig{
		SiteID:          siteID,
		ReceiverPort:    port,
		Username:        user,
		Password:        password,
		RootCertificate: defaults.RootCertificate,
		TrustServerCert: *flags.trustCert,
	}, defaults, nil
}

func cmdRegister(ctx context.Context, args []string, cfg *config.Config, log *logging.Logger, proxy bool) error {
	name := "register"
	if proxy {
		name = "proxy-register"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	flags := addRegistrationFlags(fs)
	hostName := fs.String("hostname", "", "host name to register under")
	if err := fs.Parse(args); err != nil {
		return err
	}

	connCfg, defaults, err := connectionConfig(ctx, flags, cfg, log)
	if err != nil {
		return err
	}
	host := *hostName
	if host == "" {
		host = defaults.HostName
	}
	if host == "" {
		return fmt.Errorf("no host name given (flag -hostname or registration defaults)")
	}

	api := &receiver.Client{Timeout: cfg.ConnectionTimeout}
	trust := &registration.InteractiveTrust{In: os.Stdin, Err: os.Stderr}

	if proxy {
		return registration.ProxyRegister(ctx, connCfg, host, version, api, trust, os.Stdout, log.Logger)
	}

	reg, err := registry.Load(cfg.RegistryPath(), log.Logger)
	if err != nil {
		return err
	}
	if err := registration.RegisterHostName(ctx, connCfg, host, reg, api, trust, log.Logger); err != nil {
		return err
	}
	fmt.Println("Registration complete.")
	return nil
}

func cmdRegisterNew(ctx context.Context, args []string, cfg *config.Config, log *logging.Logger) error {
	fs := flag.NewFlagSet("register-new", flag.ExitOnError)
	flags := addRegistrationFlags(fs)
	labelsArg := fs.String("labels", "", "agent labels as comma-separated key=value pairs")
	if err := fs.Parse(args); err != nil {
		return err
	}

	connCfg, defaults, err := connectionConfig(ctx, flags, cfg, log)
	if err != nil {
		return err
	}
	labels, err := parseLabels(*labelsArg)
	if err != nil {
		return err
	}
	if len(labels) == 0 {
		labels = defaults.AgentLabels
	}
	if len(labels) == 0 {
		return fmt.Errorf("no agent labels given (flag -labels or registration defaults)")
	}

	reg, err := registry.Load(cfg.RegistryPath(), log.Logger)
	if err != nil {
		return err
	}
	api := &receiver.Client{Timeout: cfg.ConnectionTimeout}
	trust := &registration.InteractiveTrust{In: os.Stdin, Err: os.Stderr}
	if err := registration.RegisterAgentLabels(ctx, connCfg, labels, reg, api, trust, log.Logger); err != nil {
		return err
	}
	fmt.Println("Registration complete. It may take a few minutes until the newly created host and its services are visible in the site.")
	return nil
}

func parseLabels(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	labels := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid agent label %q, expected key=value", pair)
		}
		labels[key] = value
	}
	return labels, nil
}

func cmdImport(args []string, cfg *config.Config, log *logging.Logger) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path := "-"
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	reg, err := registry.Load(cfg.RegistryPath(), log.Logger)
	if err != nil {
		return err
	}
	if err := registration.ImportFile(reg, path); err != nil {
		return err
	}
	fmt.Println("Import complete.")
	return nil
}

func cmdPull(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	reg, err := registry.Load(cfg.RegistryPath(), log.Logger)
	if err != nil {
		return err
	}
	state, err := pull.NewState(reg, pull.Config{
		Port:                cfg.PullPort,
		AllowedIPs:          cfg.AllowedIPs,
		ConnectionTimeout:   cfg.ConnectionTimeout,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
	}, log.Logger)
	if err != nil {
		return err
	}
	collector := monitoring.ChannelCollector{Channel: monitoring.AgentChannel(cfg.AgentSocket)}
	return pull.NewListener(state, collector, log.Logger).Run(ctx)
}

func cmdPush(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	reg, err := registry.Load(cfg.RegistryPath(), log.Logger)
	if err != nil {
		return err
	}
	loop := &push.Loop{
		Registry:  reg,
		Collector: monitoring.ChannelCollector{Channel: monitoring.AgentChannel(cfg.AgentSocket)},
		API:       &receiver.Client{Timeout: cfg.ConnectionTimeout},
		Interval:  cfg.PushInterval,
		Log:       log.Logger,
	}
	return loop.Run(ctx)
}

func cmdDump(ctx context.Context, cfg *config.Config) error {
	collector := monitoring.ChannelCollector{Channel: monitoring.AgentChannel(cfg.AgentSocket)}
	data, err := collector.PlainOutput(ctx, netip.AddrFrom4([4]byte{127, 0, 0, 1}))
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}

func cmdStatus(ctx context.Context, args []string, cfg *config.Config, log *logging.Logger) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "output as JSON")
	noQueryRemote := fs.Bool("no-query-remote", false, "do not contact the sites")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := registry.Load(cfg.RegistryPath(), log.Logger)
	if err != nil {
		return err
	}
	api := &receiver.Client{Timeout: cfg.ConnectionTimeout}
	report := status.Collect(ctx, reg, api, !*noQueryRemote)

	if *jsonOut {
		rendered, err := report.RenderJSON()
		if err != nil {
			return err
		}
		fmt.Println(rendered)
		return nil
	}
	fmt.Print(report.Render(time.Now()))
	return nil
}

func cmdDelete(args []string, cfg *config.Config, log *logging.Logger) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("delete takes exactly one connection identifier")
	}
	ident := fs.Arg(0)

	reg, err := registry.Load(cfg.RegistryPath(), log.Logger)
	if err != nil {
		return err
	}
	if err := reg.DeleteStandardConnection(ident); err != nil {
		// Fall back to the imported partition (UUID or index).
		if impErr := reg.DeleteImportedConnection(ident); impErr != nil {
			return err
		}
	}
	if err := reg.Save(); err != nil {
		return err
	}
	fmt.Printf("Deleted connection %q\n", ident)
	return nil
}

func cmdDeleteAll(args []string, cfg *config.Config, log *logging.Logger) error {
	fs := flag.NewFlagSet("delete-all", flag.ExitOnError)
	enableInsecure := fs.Bool("enable-insecure-connections", false,
		"allow plaintext legacy pull until the next registration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := registry.Load(cfg.RegistryPath(), log.Logger)
	if err != nil {
		return err
	}
	reg.Clear()
	if err := reg.Save(); err != nil {
		return err
	}
	if *enableInsecure {
		if err := reg.ActivateLegacyPull(); err != nil {
			return err
		}
		fmt.Println("Deleted all connections. Legacy pull mode is now allowed.")
		return nil
	}
	if err := reg.DeactivateLegacyPull(); err != nil {
		return err
	}
	fmt.Println("Deleted all connections.")
	return nil
}

func cmdRenewCertificate(ctx context.Context, args []string, cfg *config.Config, log *logging.Logger) error {
	fs := flag.NewFlagSet("renew-certificate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("renew-certificate takes exactly one connection identifier")
	}

	reg, err := registry.Load(cfg.RegistryPath(), log.Logger)
	if err != nil {
		return err
	}
	api := &receiver.Client{Timeout: cfg.ConnectionTimeout}
	if err := renewal.RenewByIdent(ctx, reg, fs.Arg(0), api); err != nil {
		return err
	}
	fmt.Println("Certificate renewed.")
	return nil
}
