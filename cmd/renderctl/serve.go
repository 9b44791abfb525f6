package main

import (
	"os/signal"
	"syscall"
	"time"

	"render-rpc/discovery"
	"render-rpc/middleware"
	"render-rpc/server"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type serveFlags struct {
	listen    string
	advertise string
	ttl       int64
	rate      float64
}

var serveOpts serveFlags

// serveCmd runs a stub rendering service with a few diagnostic methods.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a stub rendering service",
	Long: `Run a stub rendering service answering get-version, echo and sleep.

With --service the stub announces --advertise in etcd until it stops.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		svr := server.NewServer(logger)
		svr.Use(middleware.LoggingMiddleware(logger))
		if serveOpts.rate > 0 {
			svr.Use(middleware.RateLimitMiddleware(serveOpts.rate, int(serveOpts.rate)+1))
		}
		registerStubMethods(svr)

		if globalFlags.Service != "" {
			reg, err := discovery.NewEtcdRegistry(etcdEndpoints(), logger)
			if err != nil {
				return err
			}
			defer reg.Close()
			instance := discovery.Instance{Addr: serveOpts.advertise, Weight: 1, Version: stubVersion}
			if err := svr.Announce(ctx, reg, globalFlags.Service, instance, serveOpts.ttl); err != nil {
				return err
			}
		}

		served := make(chan error, 1)
		go func() { served <- svr.ListenAndServe(serveOpts.listen) }()
		select {
		case err := <-served:
			return err
		case <-ctx.Done():
		}
		logger.Info("shutting down")
		if err := svr.Shutdown(5 * time.Second); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
		return <-served
	},
}

const stubVersion = "1.0.0"

func registerStubMethods(svr *server.Server) {
	svr.Handle("get-version", func(*server.Call) (any, []byte, error) {
		return map[string]any{"major": 1, "minor": 0, "version": stubVersion}, nil, nil
	})
	svr.Handle("echo", func(call *server.Call) (any, []byte, error) {
		var params any
		if err := call.Params(&params); err != nil {
			return nil, nil, err
		}
		return params, call.Binary(), nil
	})
	// sleep reports progress every tenth of the requested duration and stops
	// early when cancelled.
	svr.Handle("sleep", func(call *server.Call) (any, []byte, error) {
		var params struct {
			Seconds float64 `json:"seconds"`
		}
		if err := call.Params(&params); err != nil {
			return nil, nil, err
		}
		step := time.Duration(params.Seconds * float64(time.Second) / 10)
		for i := 1; i <= 10; i++ {
			select {
			case <-call.Context().Done():
				return nil, nil, call.Context().Err()
			case <-time.After(step):
			}
			if err := call.Progress("sleep", float64(i)/10); err != nil {
				return nil, nil, err
			}
		}
		return true, nil, nil
	})
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.listen, "listen", ":5000", "listen address")
	serveCmd.Flags().StringVar(&serveOpts.advertise, "advertise", "127.0.0.1:5000", "address announced in etcd")
	serveCmd.Flags().Int64Var(&serveOpts.ttl, "ttl", 10, "etcd lease TTL in seconds")
	serveCmd.Flags().Float64Var(&serveOpts.rate, "rate", 0, "requests per second limit, 0 disables")
}
