package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	enet "github.com/opd-ai/go-enet"
)

const dialTimeout = 5 * time.Second

func connectCmd(opts *globalOptions) *cobra.Command {
	var (
		channel    uint8
		unreliable bool
	)

	cmd := &cobra.Command{
		Use:   "connect HOST:PORT",
		Short: "Connect and send each line of standard input as a packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			host, peer, err := enet.Dial(dialCtx, "udp", args[0], int(channel)+1, 0, enet.WithConfig(cfg))
			cancel()
			if err != nil {
				return err
			}
			defer host.Close()
			pterm.Success.Printfln("connected to %s", peer.Address())

			flags := enet.PacketFlagReliable
			if unreliable {
				flags = 0
			}

			// The reader is not part of the group: a blocked stdin read must
			// not keep the command from exiting.
			go func() {
				scanner := bufio.NewScanner(cmd.InOrStdin())
				for scanner.Scan() {
					line := append([]byte(nil), scanner.Bytes()...)
					if err := peer.Send(channel, enet.NewPacket(line, flags)); err != nil {
						pterm.Warning.Printfln("send: %v", err)
						return
					}
				}
				peer.DisconnectLater(0)
			}()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return runClient(ctx, host) })
			return g.Wait()
		},
	}

	cmd.Flags().Uint8Var(&channel, "channel", 0, "Channel to send on")
	cmd.Flags().BoolVar(&unreliable, "unreliable", false, "Send packets unreliably")

	return cmd
}

// runClient services host until the connection ends or ctx is done.
func runClient(ctx context.Context, host *enet.Host) error {
	for ctx.Err() == nil {
		ev, err := host.Service(serviceTimeout)
		if err != nil {
			return err
		}

		switch ev.Type {
		case enet.EventReceive:
			pterm.Printfln("channel %d: %s", ev.ChannelID, ev.Packet.Data)
		case enet.EventDisconnect:
			if ev.Timeout {
				pterm.Warning.Println("connection timed out")
			} else {
				pterm.Info.Println("disconnected")
			}
			return nil
		}
	}
	return nil
}
