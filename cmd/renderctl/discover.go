package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"render-rpc/discovery"

	"github.com/spf13/cobra"
)

var watchInstances bool

var discoverCmd = &cobra.Command{
	Use:   "discover SERVICE",
	Short: "List the instances announced for a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := discovery.NewEtcdRegistry(etcdEndpoints(), logger)
		if err != nil {
			return err
		}
		defer reg.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		out := json.NewEncoder(cmd.OutOrStdout())
		instances, err := reg.Discover(ctx, args[0])
		if err != nil {
			return err
		}
		if err := out.Encode(instances); err != nil {
			return err
		}
		if !watchInstances {
			return nil
		}
		for instances := range reg.Watch(ctx, args[0]) {
			if err := out.Encode(instances); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().BoolVar(&watchInstances, "watch", false, "keep printing the instance list on every change")
}
