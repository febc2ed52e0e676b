package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/config"
	olafcrypto "github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/formats"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/keys"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/health"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/logger"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/metrics"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/server"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "olaf-server [server_url num_neighbours url...]",
	Short: "OLAF neighbourhood chat server",
	Long: `olaf-server is one member of a federated, end-to-end-encrypted chat
neighbourhood. It accepts local client sessions, maintains neighbour
sessions with peer servers, and gossips the aggregate online-client
roster across the mesh.

Configuration comes from a YAML file (--config) or from the legacy
positional form:

  olaf-server localhost:8080 2 localhost:8081 localhost:8082`,
	Args: cobra.ArbitraryArgs,
	RunE: runServer,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to YAML config file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	var cfg *config.Config
	var err error
	switch {
	case configFile != "":
		cfg, err = config.Load(configFile)
	case len(args) > 0:
		cfg, err = config.FromArgs(args)
	default:
		return fmt.Errorf("either --config or positional arguments are required")
	}
	if err != nil {
		return err
	}

	log := logger.NewLogger(os.Stdout, logger.ParseLevel(cfg.Logging.Level))

	keyPair, err := loadIdentity(cfg, log)
	if err != nil {
		return err
	}

	neighbours, err := loadNeighbours(cfg)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Options{
		URL:        cfg.Listen,
		KeyPair:    keyPair,
		Neighbours: neighbours,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(ctx)
	})

	if cfg.Metrics.Enabled {
		group.Go(func() error {
			return serveHTTP(ctx, cfg.Metrics.Port, cfg.Metrics.Path, metrics.Handler(), log)
		})
	}
	if cfg.Health.Enabled {
		checker := health.NewChecker(0, log)
		checker.RegisterCheck("neighbourhood", neighbourhoodCheck(srv, len(neighbours)))
		group.Go(func() error {
			return serveHTTP(ctx, cfg.Health.Port, cfg.Health.Path, checker.Handler(), log)
		})
	}

	return group.Wait()
}

// loadIdentity reads the server identity key, or generates an ephemeral one
func loadIdentity(cfg *config.Config, log logger.Logger) (olafcrypto.KeyPair, error) {
	if cfg.Identity.PrivateKeyFile == "" {
		log.Warn("no identity key configured, generating ephemeral key")
		return keys.GenerateKeyPair()
	}
	data, err := os.ReadFile(cfg.Identity.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read identity key: %v", config.ErrConfig, err)
	}
	privateKey, err := formats.DecodePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse identity key: %v", config.ErrConfig, err)
	}
	return keys.FromPrivateKey(privateKey)
}

// loadNeighbours resolves the static neighbour list, reading each peer's
// identity public key when one is configured
func loadNeighbours(cfg *config.Config) ([]server.Neighbour, error) {
	neighbours := make([]server.Neighbour, 0, len(cfg.Neighbours))
	for _, nb := range cfg.Neighbours {
		neighbour := server.Neighbour{URL: nb.URL}
		if nb.PublicKeyFile != "" {
			data, err := os.ReadFile(nb.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("%w: failed to read key for neighbour %s: %v",
					config.ErrConfig, nb.URL, err)
			}
			publicKey, err := formats.DecodePublicKey(string(data))
			if err != nil {
				return nil, fmt.Errorf("%w: failed to parse key for neighbour %s: %v",
					config.ErrConfig, nb.URL, err)
			}
			neighbour.PublicKey = publicKey
		}
		neighbours = append(neighbours, neighbour)
	}
	return neighbours, nil
}

// neighbourhoodCheck reports degraded federation: unhealthy when every
// configured neighbour is down, healthy otherwise
func neighbourhoodCheck(srv *server.Server, configured int) health.HealthCheck {
	return func(ctx context.Context) error {
		if configured == 0 {
			return nil
		}
		if len(srv.Neighbourhood().ActiveURLs()) == 0 {
			return fmt.Errorf("no active neighbours (%d configured)", configured)
		}
		return nil
	}
}

func serveHTTP(ctx context.Context, port int, path string, handler http.Handler, log logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, handler)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		httpServer.Close()
	}()

	log.Info("serving http", logger.Int("port", port), logger.String("path", path))
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
