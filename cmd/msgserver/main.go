// Command msgserver runs the cipherline message relay server.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/cipherline/internal/config"
	"github.com/postalsys/cipherline/internal/logging"
	"github.com/postalsys/cipherline/internal/metrics"
	"github.com/postalsys/cipherline/internal/server"
	"github.com/postalsys/cipherline/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "msgserver",
		Short: "cipherline message relay server",
	}
	root.AddCommand(serveCmd(), genkeyCmd())
	return root
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.ServerConfig
			var err error
			if configPath != "" {
				cfg, err = config.Load(configPath)
			} else {
				cfg = config.Default()
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			priv, err := loadOrGenerateKey(cfg)
			if err != nil {
				return fmt.Errorf("load server key: %w", err)
			}

			st, err := buildStore(cfg)
			if err != nil {
				return fmt.Errorf("build store: %w", err)
			}

			var m server.Metrics
			if cfg.Metrics.Enabled {
				concrete := metrics.NewMetrics()
				m = concrete
				go serveMetrics(cfg.Metrics.Address, log)
			}

			srv := server.New(st, priv, log, m)

			ln, err := net.Listen("tcp", cfg.Listen.Address)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.Listen.Address, err)
			}
			defer ln.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("serving", logging.KeyAddress, cfg.Listen.Address)
			err = srv.Serve(ctx, ln)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func genkeyCmd() *cobra.Command {
	var outPath string
	var bits int

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate an RSA keypair for the server's session-key exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := rsa.GenerateKey(rand.Reader, bits)
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}

			privPEM := pem.EncodeToMemory(&pem.Block{
				Type:  "RSA PRIVATE KEY",
				Bytes: x509.MarshalPKCS1PrivateKey(priv),
			})
			pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
			if err != nil {
				return fmt.Errorf("marshal public key: %w", err)
			}
			pubPEM := pem.EncodeToMemory(&pem.Block{
				Type:  "PUBLIC KEY",
				Bytes: pubBytes,
			})

			if outPath == "" {
				fmt.Print(string(privPEM))
				fmt.Print(string(pubPEM))
				return nil
			}

			if err := os.WriteFile(outPath, privPEM, 0600); err != nil {
				return fmt.Errorf("write private key: %w", err)
			}
			if err := os.WriteFile(outPath+".pub", pubPEM, 0644); err != nil {
				return fmt.Errorf("write public key: %w", err)
			}
			fmt.Printf("wrote %s and %s.pub\n", outPath, outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "base path to write <out> (private) and <out>.pub (public); prints to stdout if empty")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size in bits")
	return cmd
}

func loadOrGenerateKey(cfg *config.ServerConfig) (*rsa.PrivateKey, error) {
	pemBytes, err := cfg.Keys.GetPrivateKeyPEM()
	if err != nil {
		return nil, err
	}
	if len(pemBytes) == 0 {
		return rsa.GenerateKey(rand.Reader, 2048)
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in server key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("server key is not an RSA key")
	}
	return rsaKey, nil
}

func buildStore(cfg *config.ServerConfig) (store.Store, error) {
	mem := store.NewMemoryStore()
	switch cfg.Store.Backend {
	case "memory":
		return mem, nil
	case "hashed-memory":
		cost := cfg.Store.BcryptCost
		if cost == 0 {
			cost = store.DefaultBcryptCost
		}
		return store.NewHashedStore(mem, mem, cost), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func serveMetrics(addr string, log interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("serving metrics", logging.KeyAddress, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server exited", logging.KeyError, err)
	}
}
