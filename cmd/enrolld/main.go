package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/enrolld/pkg/authority"
	"github.com/cuemby/enrolld/pkg/cluster"
	"github.com/cuemby/enrolld/pkg/config"
	"github.com/cuemby/enrolld/pkg/integrity"
	"github.com/cuemby/enrolld/pkg/keystore"
	"github.com/cuemby/enrolld/pkg/log"
	"github.com/cuemby/enrolld/pkg/metrics"
	"github.com/cuemby/enrolld/pkg/security"
	"github.com/cuemby/enrolld/pkg/storage"
	"github.com/cuemby/enrolld/pkg/writer"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "enrolld",
	Short: "enrolld - agent enrollment authority and integrity synchronizer",
	Long: `enrolld issues pre-shared keys to agents over a simple mTLS enrollment
protocol and keeps a cluster of authorities consistent with a periodic
anti-entropy sync round.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"enrolld version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(removeCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the enrollment authority",
	Long: `Start starts the TLS Listener, Durable Writer, Integrity Synchronizer,
and admin HTTP endpoints for this node, running until terminated.

On a primary node enrollment requests are applied directly to the local
credential store. On a follower node they are forwarded to the primary
over the cluster RPC and the primary's (id, name, ip, key) reply is
relayed back to the agent unchanged.

Both roles run their own Integrity Synchronizer against the other side's
sync endpoint, so a follower's entity state converges back toward the
primary's even after a missed write.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().String("listen-addr", "", "Agent-facing TLS listen address (overrides config)")
	startCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	startCmd.Flags().String("role", "", "primary or follower (overrides config)")
	startCmd.Flags().String("primary-addr", "", "Primary's cluster RPC address, required when role is follower (overrides config)")
	startCmd.Flags().String("follower-addr", "", "Follower's integrity-sync address, dialed by the primary (overrides config)")
	startCmd.Flags().String("cluster-id", "", "Cluster identifier used to derive the CA key-at-rest encryption key (overrides config)")
	startCmd.Flags().String("shared-password", "", "Required OSSEC PASS value for enrollment requests (overrides config)")
	startCmd.Flags().String("groups-dir", "", "Shared-config tree group directories are checked against (overrides config)")
	startCmd.Flags().Int("max-agents", 0, "Maximum number of enrolled agents, 0 for unlimited (overrides config)")
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg := config.Default()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		if err := config.LoadFile(cfg, path); err != nil {
			return fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyStringFlag(cmd, "listen-addr", &cfg.ListenAddr)
	applyStringFlag(cmd, "data-dir", &cfg.DataDir)
	applyStringFlag(cmd, "role", &cfg.Role)
	applyStringFlag(cmd, "primary-addr", &cfg.PrimaryAddr)
	applyStringFlag(cmd, "follower-addr", &cfg.FollowerAddr)
	applyStringFlag(cmd, "cluster-id", &cfg.ClusterID)
	applyStringFlag(cmd, "shared-password", &cfg.SharedPassword)
	applyStringFlag(cmd, "groups-dir", &cfg.GroupsDir)
	if v, _ := cmd.Flags().GetInt("max-agents"); v != 0 {
		cfg.MaxAgents = v
	}
	if cfg.GroupsDir == "" {
		cfg.GroupsDir = filepath.Join(cfg.DataDir, "shared")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := log.WithComponent("main")
	metrics.SetVersion(Version)

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.GroupsDir, 0o750); err != nil {
		return fmt.Errorf("failed to create groups directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	_, nodeCert, rootCACert, err := bootstrapCA(store, cfg)
	if err != nil {
		return fmt.Errorf("failed to bootstrap certificate authority: %w", err)
	}

	ks := keystore.New()
	records, err := writer.LoadRecords(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to load existing credentials: %w", err)
	}
	ks.Load(records)
	metrics.RegisterComponent("keystore", true, fmt.Sprintf("%d credentials loaded", len(records)))

	w := writer.New(ks, cfg.DataDir)
	go w.Run()
	metrics.RegisterComponent("writer", true, "running")

	var enroller authority.Enroller
	var forwarder *cluster.Forwarder
	if cfg.IsFollower() {
		forwarder, err = cluster.DialPrimary(context.Background(), cfg.PrimaryAddr, nil)
		if err != nil {
			return fmt.Errorf("failed to dial primary: %w", err)
		}
		enroller = forwarder
	} else {
		enroller = authority.NewLocalEnroller(ks, cfg)
	}

	dispatcher := authority.NewDispatcher(enroller, cfg)
	listener, err := authority.New(cfg.ListenAddr, nodeCert, rootCACert, cfg.RequireClientCert, dispatcher)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	metrics.RegisterComponent("listener", true, fmt.Sprintf("listening on %s", cfg.ListenAddr))

	serveCtx, cancelServe := context.WithCancel(context.Background())
	go func() {
		if err := listener.Serve(serveCtx); err != nil {
			logger.Error().Err(err).Msg("listener stopped")
		}
	}()

	// Both roles run their own Synchronizer: a primary dials its
	// configured follower's sync endpoint, a follower dials the primary's.
	// The sync server side is registered wherever this node already owns a
	// gRPC listener for its role.
	sync := integrity.New(store, nil, cfg.SyncInitialInterval, cfg.SyncMaxInterval, cfg.SyncResponseTimeout)
	syncCtx, syncCancel := context.WithCancel(context.Background())
	syncStarted := false

	var clusterServer *grpcServerHandle
	if !cfg.IsFollower() {
		admin := cluster.NewAdminService(ks)
		gs := cluster.NewServer(authority.NewLocalEnroller(ks, cfg), admin)
		integrity.RegisterServer(gs, sync)
		clusterAddr := clusterListenAddr(cfg)
		ln, err := net.Listen("tcp", clusterAddr)
		if err != nil {
			return fmt.Errorf("failed to bind cluster RPC listener: %w", err)
		}
		go func() {
			if err := gs.Serve(ln); err != nil {
				logger.Error().Err(err).Msg("cluster RPC server stopped")
			}
		}()
		clusterServer = &grpcServerHandle{srv: gs, ln: ln}
		logger.Info().Str("token", admin.Token()).Msg("admin removal token")

		if cfg.FollowerAddr != "" {
			peer, err := integrity.DialPeer(context.Background(), cfg.FollowerAddr, nil)
			if err != nil {
				return fmt.Errorf("failed to dial follower sync endpoint: %w", err)
			}
			sync.SetPeer(peer)
			syncStarted = true
			go sync.Run(syncCtx)
		}
	} else {
		peer, err := integrity.DialPeer(context.Background(), cfg.PrimaryAddr, nil)
		if err != nil {
			return fmt.Errorf("failed to dial primary sync endpoint: %w", err)
		}
		sync.SetPeer(peer)

		syncAddr := cfg.FollowerAddr
		if syncAddr == "" {
			syncAddr = clusterListenAddr(cfg)
		}
		syncServer := integrity.NewServer(sync)
		syncLn, err := net.Listen("tcp", syncAddr)
		if err != nil {
			return fmt.Errorf("failed to bind integrity sync listener: %w", err)
		}
		go func() {
			if err := syncServer.Serve(syncLn); err != nil {
				logger.Error().Err(err).Msg("integrity sync server stopped")
			}
		}()
		clusterServer = &grpcServerHandle{srv: syncServer, ln: syncLn}
		syncStarted = true
		go sync.Run(syncCtx)
	}
	if !syncStarted {
		logger.Warn().Msg("no sync peer configured, integrity synchronizer idle")
	}

	admin := metrics.NewAdminServer(cfg.AdminAddr, func() []*x509.Certificate {
		certs := []*x509.Certificate{rootCACert}
		if nodeCert.Leaf != nil {
			certs = append(certs, nodeCert.Leaf)
		}
		return certs
	})
	go func() {
		if err := admin.Start(); err != nil {
			logger.Error().Err(err).Msg("admin server stopped")
		}
	}()

	logger.Info().
		Str("role", cfg.Role).
		Str("listen_addr", cfg.ListenAddr).
		Str("data_dir", cfg.DataDir).
		Str("ca_expiry", security.GetCertExpiry(rootCACert).Format(time.RFC3339)).
		Msg("enrolld started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")

	cancelServe()
	_ = listener.Close()
	ks.Stop()
	syncCancel()
	if forwarder != nil {
		_ = forwarder.Close()
	}
	if clusterServer != nil {
		clusterServer.srv.GracefulStop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = admin.Shutdown(shutdownCtx)

	logger.Info().Msg("shutdown complete")
	return nil
}

var removeCmd = &cobra.Command{
	Use:   "remove AGENT_ID",
	Short: "Remove an enrolled agent's credential via the admin RPC",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			return fmt.Errorf("--token is required")
		}

		forwarder, err := cluster.DialPrimary(context.Background(), addr, nil)
		if err != nil {
			return fmt.Errorf("failed to dial authority: %w", err)
		}
		defer forwarder.Close()

		ok, err := forwarder.Remove(context.Background(), token, args[0])
		if err != nil {
			return fmt.Errorf("remove failed: %w", err)
		}
		if !ok {
			fmt.Println("agent was not found or already removed")
			return nil
		}
		fmt.Printf("agent %s removed\n", args[0])
		return nil
	},
}

func init() {
	removeCmd.Flags().String("addr", "127.0.0.1:1516", "Primary's cluster RPC address")
	removeCmd.Flags().String("token", "", "Admin bearer token (required)")
}

func applyStringFlag(cmd *cobra.Command, name string, dst *string) {
	v, _ := cmd.Flags().GetString(name)
	if v != "" {
		*dst = v
	}
}

func clusterListenAddr(cfg *config.Config) string {
	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		return ":1516"
	}
	return net.JoinHostPort(host, "1516")
}

type grpcServerHandle struct {
	srv interface{ GracefulStop() }
	ln  net.Listener
}

// bootstrapCA initializes or loads this node's certificate authority and
// issues (or reuses) the listener's own TLS certificate. A cached
// certificate under cfg.DataDir/certs/<role> is reused as-is unless it
// needs rotation, so a restart does not churn every agent's trust of this
// node's identity.
func bootstrapCA(store storage.Store, cfg *config.Config) (*security.CertAuthority, *tls.Certificate, *x509.Certificate, error) {
	ca := security.NewCertAuthority(store)

	key := security.DeriveKeyFromClusterID(cfg.ClusterID)
	if err := security.SetClusterEncryptionKey(key); err != nil {
		return nil, nil, nil, err
	}

	if err := ca.LoadFromStore(); err != nil {
		if err := ca.Initialize(); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize CA: %w", err)
		}
		if err := ca.SaveToStore(); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to persist CA: %w", err)
		}
	}

	rootCACert, err := x509.ParseCertificate(ca.GetRootCACert())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse root CA certificate: %w", err)
	}

	certDir := filepath.Join(cfg.DataDir, "certs", cfg.Role)
	if security.CertExists(certDir) {
		if cachedCA, err := security.LoadCACertFromFile(certDir); err == nil && cachedCA.Equal(rootCACert) {
			if cached, err := security.LoadCertFromFile(certDir); err == nil && !security.CertNeedsRotation(cached.Leaf) {
				return ca, cached, rootCACert, nil
			}
		}
		if err := security.RemoveCerts(certDir); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to clear stale certificate cache: %w", err)
		}
	}

	host, _, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		host = "0.0.0.0"
	}
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	}

	cert, err := authority.ServerCertificate(ca, cfg.Role, []string{host}, ips)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to issue listener certificate: %w", err)
	}

	if err := security.SaveCertToFile(cert, certDir); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to cache listener certificate: %w", err)
	}
	if err := security.SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to cache root CA certificate: %w", err)
	}

	return ca, cert, rootCACert, nil
}
