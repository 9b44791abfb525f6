package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"render-rpc/client"
	"render-rpc/discovery"
	"render-rpc/loadbalance"
	"render-rpc/transport"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	URI      string
	Service  string
	Etcd     string // Comma separated endpoints
	Balancer string
	Attempts int
	Delay    time.Duration
	CAFile   string
	CAPath   string
	TLS      bool
	Insecure bool
	Timeout  time.Duration
	Debug    bool
}

var (
	globalFlags GlobalFlags
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "renderctl",
	Short:         "Rendering service command line client",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if globalFlags.Debug {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return errors.Wrap(err, "init logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	defaults := client.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&globalFlags.URI, "uri", defaults.URI, "service address, host:port or ws(s):// URL")
	flags.StringVar(&globalFlags.Service, "service", "", "look the service up in etcd instead of using --uri")
	flags.StringVar(&globalFlags.Etcd, "etcd", "127.0.0.1:2379", "etcd endpoints, comma separated")
	flags.StringVar(&globalFlags.Balancer, "balancer", "roundrobin", "instance selection: roundrobin|random|hash")
	flags.IntVar(&globalFlags.Attempts, "attempts", defaults.MaxAttempts, "connection attempts while the service is unavailable, 0 retries forever")
	flags.DurationVar(&globalFlags.Delay, "delay", defaults.AttemptDelay, "pause between connection attempts")
	flags.StringVar(&globalFlags.CAFile, "ca-file", "", "PEM file with trusted CA certificates, enables TLS")
	flags.StringVar(&globalFlags.CAPath, "ca-path", "", "directory of PEM CA certificates, enables TLS")
	flags.BoolVar(&globalFlags.TLS, "tls", false, "use TLS with the system CA pool")
	flags.BoolVar(&globalFlags.Insecure, "insecure", false, "skip server certificate verification")
	flags.DurationVar(&globalFlags.Timeout, "timeout", 0, "overall deadline, 0 waits forever")
	flags.BoolVar(&globalFlags.Debug, "debug", false, "verbose logging")

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(serveCmd)
}

func etcdEndpoints() []string {
	return strings.Split(globalFlags.Etcd, ",")
}

func tlsConfig() *transport.TLSConfig {
	if !globalFlags.TLS && !globalFlags.Insecure && globalFlags.CAFile == "" && globalFlags.CAPath == "" {
		return nil
	}
	return &transport.TLSConfig{
		CAFile:             globalFlags.CAFile,
		CAPath:             globalFlags.CAPath,
		InsecureSkipVerify: globalFlags.Insecure,
	}
}

// newConnector builds a connector from the global flags. The returned close
// function releases the etcd client, if any.
func newConnector() (*client.Connector, func(), error) {
	cfg := client.DefaultConfig()
	cfg.URI = globalFlags.URI
	cfg.Service = globalFlags.Service
	cfg.TLS = tlsConfig()
	cfg.MaxAttempts = globalFlags.Attempts
	cfg.AttemptDelay = globalFlags.Delay

	opts := []client.ConnectorOption{client.WithConnectorLogger(logger)}
	closer := func() {}
	if cfg.Service != "" {
		reg, err := discovery.NewEtcdRegistry(etcdEndpoints(), logger)
		if err != nil {
			return nil, nil, err
		}
		balancer, err := loadbalance.ByName(globalFlags.Balancer, cfg.Service)
		if err != nil {
			_ = reg.Close()
			return nil, nil, err
		}
		opts = append(opts, client.WithDiscovery(reg, balancer))
		closer = func() { _ = reg.Close() }
	}
	c, err := client.NewConnector(cfg, opts...)
	if err != nil {
		closer()
		return nil, nil, err
	}
	return c, closer, nil
}
