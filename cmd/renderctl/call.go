package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"render-rpc/message"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type callFlags struct {
	binaryIn  string
	binaryOut string
	progress  bool
}

var callOpts callFlags

var callCmd = &cobra.Command{
	Use:   "call METHOD [PARAMS_JSON]",
	Short: "Call a method and print its JSON result",
	Long: `Call a method on the rendering service and print the JSON result on stdout.

PARAMS_JSON is passed verbatim as the request params. A binary payload can be
attached with --binary-in, and the binary part of the reply saved with
--binary-out. Remote errors are printed on stderr and exit with status 1.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var params any
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return errors.Errorf("params are not valid JSON: %s", args[1])
			}
			params = json.RawMessage(args[1])
		}
		var binary []byte
		if callOpts.binaryIn != "" {
			data, err := os.ReadFile(callOpts.binaryIn)
			if err != nil {
				return errors.Wrap(err, "read binary input")
			}
			binary = data
		}

		ctx := cmd.Context()
		if globalFlags.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, globalFlags.Timeout)
			defer cancel()
		}

		connector, closeDiscovery, err := newConnector()
		if err != nil {
			return err
		}
		defer closeDiscovery()
		c, err := connector.Connect(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.Disconnect(); err != nil {
				logger.Debug("disconnect", zap.Error(err))
			}
		}()

		f, err := c.Task(args[0], params, binary)
		if err != nil {
			return err
		}
		if callOpts.progress {
			for p := range f.ProgressContext(ctx) {
				fmt.Fprintf(os.Stderr, "%s: %3.0f%%\n", p.Operation, p.Amount*100)
			}
		}
		reply, err := f.WaitContext(ctx)
		if err != nil {
			var remote *message.RemoteError
			if errors.As(err, &remote) && len(remote.Data) > 0 {
				fmt.Fprintf(os.Stderr, "%s\n", remote.Data)
			}
			return err
		}
		return writeReply(cmd, reply)
	},
}

func writeReply(cmd *cobra.Command, reply *message.Reply) error {
	if callOpts.binaryOut != "" {
		if err := os.WriteFile(callOpts.binaryOut, reply.Binary, 0o644); err != nil {
			return errors.Wrap(err, "write binary output")
		}
	} else if len(reply.Binary) > 0 {
		logger.Warn("reply carries binary data, use --binary-out to save it", zap.Int("bytes", len(reply.Binary)))
	}
	if len(reply.Result) == 0 {
		return nil
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\n", reply.Result)
	return err
}

func init() {
	callCmd.Flags().StringVar(&callOpts.binaryIn, "binary-in", "", "file sent as the binary payload")
	callCmd.Flags().StringVar(&callOpts.binaryOut, "binary-out", "", "file receiving the binary part of the reply")
	callCmd.Flags().BoolVar(&callOpts.progress, "progress", false, "print progress notifications on stderr")
}
