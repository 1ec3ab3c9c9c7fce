package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"attrd/internal/auditlog"
	"attrd/internal/cib"
	"attrd/internal/cibobserver"
	"attrd/internal/cmdutil"
	"attrd/internal/config"
	"attrd/internal/daemon"
	"attrd/internal/dispatch"
	"attrd/internal/election"
	"attrd/internal/identity"
	"attrd/internal/ipc"
	"attrd/internal/peer"
	"attrd/internal/store"
	"attrd/internal/transport"
	"attrd/internal/writer"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	_ "github.com/mattn/go-sqlite3"
)

const Version = "1.0.0"

func main() {
	var (
		configPath string
		envPath    string
		standAlone bool
		verbose    bool
		showVer    bool
	)

	root := &cobra.Command{
		Use:   "attrd",
		Short: "cluster attribute store daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVer {
				fmt.Println(Version)
				return nil
			}
			return run(configPath, envPath, standAlone, verbose)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to the cluster YAML config")
	root.Flags().StringVar(&envPath, "env", "", "path to an optional .env overlay")
	root.Flags().BoolVar(&standAlone, "stand-alone", false, "run without CIB writes, local node only (§6.2)")
	root.Flags().BoolVar(&verbose, "verbose", false, "enable debug-level logging")
	root.Flags().BoolVar(&showVer, "version", false, "print the version and exit")

	if err := root.Execute(); err != nil {
		os.Exit(daemon.ExitLostCluster)
	}
}

func run(configPath, envPath string, standAloneFlag, verboseFlag bool) error {
	cfg, err := config.Load(configPath, envPath)
	if err != nil {
		return err
	}
	if standAloneFlag {
		cfg.StandAlone = true
	}
	if verboseFlag {
		cfg.Verbose = true
	}

	log := logrus.New()
	if cfg.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	entry := log.WithField("node", cfg.NodeName)

	self := peer.Identity{Name: cfg.NodeName, ID: 1, UUID: strp(nodeUUID())}
	table := peer.NewTable(self)
	loop := daemon.NewLoop(256)

	cibClient, err := cib.Open(cfg.CIBPath, loop)
	if err != nil {
		return fmt.Errorf("opening cib at %s: %w", cfg.CIBPath, err)
	}

	auditKey, err := auditlog.LoadOrCreateKey(cfg.AuditKeyPath)
	if err != nil {
		return fmt.Errorf("loading audit key: %w", err)
	}
	if err := auditlog.EnsureSchema(cibClient.DB()); err != nil {
		return fmt.Errorf("preparing audit schema: %w", err)
	}
	audit := auditlog.NewLogger(cibClient.DB(), 50, 5*time.Second, auditKey, entry.WithField("component", "audit"))
	audit.Start()

	identResolver := identity.NewResolver(identity.Config{
		Enabled:    cfg.Identity.Enabled,
		Server:     cfg.Identity.Server,
		Port:       cfg.Identity.Port,
		UseTLS:     cfg.Identity.UseTLS,
		BindDN:     cfg.Identity.BindDN,
		BaseDN:     cfg.Identity.BaseDN,
		UserFilter: cfg.Identity.UserFilter,
	})

	s := store.New()

	peerHandler := peer.NewHandler(s, table, nil, entry.WithField("component", "peer"))

	var bus interface {
		peer.Bus
		election.Bus
	}
	elector := election.New(table, nil, cfg.ElectionTimeout, time.Time{}, entry.WithField("component", "election"))

	if cfg.PeerListenAddr == "" || len(cfg.Peers) == 0 {
		bus = transport.NewInProcessBus()
	} else {
		hub := transport.NewHub(peerHandler, elector, loop, entry.WithField("component", "transport"))
		go hub.Run()
		for _, p := range cfg.Peers {
			if err := hub.DialPeer(p.Name, p.Addr, cfg.NodeName); err != nil {
				entry.WithError(err).WithField("peer", p.Name).Warn("could not dial peer at startup, will rely on it dialing in")
			}
		}
		bus = hub
	}
	peerHandler.Bus = bus
	peerHandler.Writer = elector
	peerHandler.Demoter = elector
	elector.SetBus(bus)

	pipeline := writer.New(s, table, elector, peerHandler, cibClient, loop, entry.WithField("component", "writer"), audit, noopAlerts{}, writer.Options{
		StandAlone:   cfg.StandAlone,
		WriteTimeout: cfg.WriteTimeout,
	})

	dctx := &daemon.Context{
		Loop:      loop,
		Store:     s,
		Table:     table,
		PeerProto: peerHandler,
		Election:  elector,
		Writer:    pipeline,
		CIB:       cibClient,
		Log:       entry,
	}

	observer := cibobserver.New(pipeline, elector, dctx.IsShuttingDown, daemon.Exit, entry.WithField("component", "cibobserver"), nil)
	observer.Attach(cibClient)
	dctx.Observer = observer

	d := dispatch.New(s, pipeline, peerHandler, peerHandler, table, entry.WithField("component", "dispatch"))
	pipeline.OnComplete(d.NotifyWriteComplete)
	dctx.Dispatcher = d

	elector.OnWon(func() {
		loop.Submit(func() {
			if err := peerHandler.RequestSync(); err != nil {
				entry.WithError(err).Warn("sync request after election win failed")
			}
			pipeline.WriteAll(writer.WriteAllOptions{All: true})
		})
	})

	if cfg.IPCSocketPath != "" {
		dctx.IPCServer = ipc.NewServer(cfg.IPCSocketPath, d, entry.WithField("component", "ipc")).WithIdentity(identResolver)
	}

	if hub, ok := bus.(*transport.Hub); ok {
		dctx.DebugRoutes = func(r *mux.Router) {
			r.Handle("/peer", transport.NewHandler(hub))
			ipc.NewDebugHandler(dctx.Store, dctx.Table, dctx.Election).Register(r)
		}
	} else {
		dctx.DebugRoutes = func(r *mux.Router) {
			ipc.NewDebugHandler(dctx.Store, dctx.Table, dctx.Election).Register(r)
		}
	}

	go loop.Run()

	if err := dctx.Startup(cfg.DebugHTTPAddr); err != nil {
		return fmt.Errorf("starting up: %w", err)
	}

	entry.Info("attrd started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	entry.Info("shutting down")
	audit.Stop()
	dctx.Shutdown()
	return nil
}

type noopAlerts struct{}

func (noopAlerts) Fire(attrID, nodeName, value string) {}

func strp(s string) *string { return &s }

// nodeUUID prefers this host's persistent machine-id over a freshly minted
// uuid, so a restarted daemon rejoins the cluster under the same identity
// instead of looking like a brand new peer to everyone else.
func nodeUUID() string {
	if out, err := cmdutil.RunFast("cat", "/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(out)); id != "" {
			return id
		}
	}
	return peer.NewUUID()
}
