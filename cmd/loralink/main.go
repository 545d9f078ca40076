package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/loralink"
	"github.com/outofforest/loralink/packet"
	"github.com/outofforest/loralink/radio/ether"
	"github.com/outofforest/parallel"
)

const peersReportInterval = 30 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctx = logger.WithLogger(ctx, logger.New(logger.DefaultConfig))

	if err := rootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Get(ctx).Error("Command failed", zap.Error(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "loralink",
		Short:         "Point-to-point LoRa link",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(etherCmd(), nodeCmd())
	return cmd
}

func etherCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "ether",
		Short: "Runs the hub simulating the radio medium",
		RunE: func(cmd *cobra.Command, args []string) error {
			ls, err := net.Listen("tcp", listen)
			if err != nil {
				return errors.WithStack(err)
			}
			return ether.RunHub(cmd.Context(), ls, ether.HubConfig{})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":7010", "address the hub listens on")
	return cmd
}

func nodeCmd() *cobra.Command {
	var (
		configPath string
		dest       uint8
		ack        bool
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Runs the node sending lines read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := Load(configPath)
			if err != nil {
				return err
			}
			return runNode(cmd.Context(), cfg, packet.Address(dest), ack)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "node.yaml", "path to the node config")
	cmd.Flags().Uint8Var(&dest, "to", uint8(packet.Gateway), "destination address of messages")
	cmd.Flags().BoolVar(&ack, "ack", false, "request acknowledgment")
	return cmd
}

func runNode(ctx context.Context, cfg NodeConfig, dest packet.Address, ack bool) error {
	config, err := cfg.LinkConfig()
	if err != nil {
		return err
	}
	config.Handler = func(ctx context.Context, msg loralink.Incoming) {
		logger.Get(ctx).Info("Message received",
			zap.Uint8("source", uint8(msg.Source)),
			zap.Stringer("type", msg.Type),
			zap.Int8("snr", msg.SNR),
			zap.ByteString("payload", msg.Payload))
	}

	radio, err := cfg.NewRadio(config.HardwareID)
	if err != nil {
		return err
	}
	link, err := loralink.New(config, radio)
	if err != nil {
		return err
	}

	log := logger.Get(ctx)
	log.Info("Node started",
		zap.Stringer("hardwareID", link.HardwareID()),
		zap.Uint8("address", uint8(link.Address())))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("radio", parallel.Fail, radio.Run)
		spawn("link", parallel.Fail, link.Run)
		spawn("stdin", parallel.Continue, func(ctx context.Context) error {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				if err := link.Send(loralink.Message{
					Type:       packet.TypeData,
					Dest:       dest,
					Payload:    append([]byte(nil), line...),
					RequireAck: ack,
				}); err != nil {
					log.Error("Sending message failed", zap.Error(err))
				}
			}
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			return errors.WithStack(scanner.Err())
		})
		spawn("stdinCloser", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = os.Stdin.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("peers", parallel.Fail, func(ctx context.Context) error {
			ticker := time.NewTicker(peersReportInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-ticker.C:
				}

				log.Info("Link status",
					zap.Uint8("address", uint8(link.Address())),
					zap.Int("pending", link.Pending()))
				for _, p := range link.Peers() {
					log.Info("Peer",
						zap.Uint8("address", uint8(p.Address)),
						zap.Stringer("hardwareID", p.HardwareID),
						zap.Int8("snr", p.SNR),
						zap.Time("lastSeen", p.LastSeen))
				}
			}
		})

		return nil
	})
}
