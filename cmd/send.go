package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/foilen/relay/client"
	"github.com/foilen/relay/command"
	"github.com/foilen/relay/internal/env"
	"github.com/foilen/relay/registry"
)

var (
	// The peer to send to
	sendTo string

	// The message to log on the peer
	sendMessage string

	// The port to announce to the peer, 0 skips the handshake
	sendPort int
)

func init() {
	flags := SendCmd.Flags()

	flags.StringVarP(&sendTo, "to", "t", "", "The peer to send to as host:port")
	flags.StringVarP(&sendMessage, "message", "m", "", "The message the peer should log")
	flags.IntVar(&sendPort, "port", 0, "The port to announce in the handshake, 0 skips it")

	SendCmd.MarkFlagRequired("to")
	SendCmd.MarkFlagRequired("message")
}

var SendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a log command to a relay peer",
	Long: `Send a log command to a relay peer

Usage
	relay send --to 127.0.0.1:7363 --message "hello"

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()

		ep, err := registry.ParseEndpoint(sendTo)
		if err != nil {
			return err
		}

		pool := client.New(client.Options{
			LocalPort:    sendPort,
			Codec:        conf.WireCodec(),
			Registry:     command.MustRegistry(command.Builtins(log.Named("commands"))...),
			MaxFrameSize: conf.MaxFrameSize,
			DialTimeout:  conf.DialTimeout,
			Backoff:      conf.Backoff(),
			Log:          log.Named("pool"),
		})

		defer func() {
			err = multierr.Append(err, pool.Close())
		}()

		if err := pool.Send(ctx, ep, &command.Log{Message: sendMessage}); err != nil {
			return err
		}

		log.Info("Sent", zap.String("to", ep.String()))
		return nil
	},
}
