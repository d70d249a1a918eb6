package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/swarmnode/pkg/adminapi"
	"github.com/cuemby/swarmnode/pkg/config"
	"github.com/cuemby/swarmnode/pkg/identity"
	"github.com/cuemby/swarmnode/pkg/log"
	"github.com/cuemby/swarmnode/pkg/metrics"
	"github.com/cuemby/swarmnode/pkg/swarm"
)

var (
	// Version information (set via ldflags during build)
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
	Use:     "swarmnode",
	Short:   "swarmnode is a peer in a content-addressed Kademlia storage overlay",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"swarmnode version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(statusCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().String("config", "swarmnode.yaml", "Path to the node's YAML config file")
}

func runNode(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	id, err := identity.LoadOrGenerate(cfg.KeypairPath)
	if err != nil {
		return fmt.Errorf("failed to load node identity: %w", err)
	}

	driver, err := swarm.New(swarm.Config{Node: cfg, Identity: id})
	if err != nil {
		return fmt.Errorf("failed to build swarm driver: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponent("main")
	logger.Info().Str("peer_id", id.PeerID.String()).Str("listen_addr", cfg.ListenAddr).Msg("starting swarmnode")

	if cfg.MetricsServerPort != 0 {
		go serveMetrics(cfg.MetricsServerPort)
	}

	if cfg.AdminAddr != "" {
		adminSrv := adminapi.New(cfg.AdminAddr, driver)
		go func() {
			if err := adminSrv.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("admin api server stopped")
			}
		}()
	}

	go driver.Run(ctx)

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return driver.Shutdown()
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("metrics server stopped")
	}
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new node identity keypair",
	RunE:  runKeygen,
}

func init() {
	keygenCmd.Flags().String("out", "keypair.pem", "Output path for the generated keypair")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")

	id, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := identity.Save(out, id); err != nil {
		return fmt.Errorf("failed to save keypair: %w", err)
	}

	fmt.Printf("wrote keypair to %s\n", out)
	fmt.Printf("peer id: %s\n", id.PeerID.String())
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running node's admin status endpoint",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("admin-addr", "127.0.0.1:9191", "Address of the node's admin API")
}

func runStatus(cmd *cobra.Command, args []string) error {
	adminAddr, _ := cmd.Flags().GetString("admin-addr")

	resp, err := http.Get(fmt.Sprintf("http://%s/status", adminAddr))
	if err != nil {
		return fmt.Errorf("failed to reach admin api: %w", err)
	}
	defer resp.Body.Close()

	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	encoded, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
