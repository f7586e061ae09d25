package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	enet "github.com/opd-ai/go-enet"
)

const serviceTimeout = 100 * time.Millisecond

func listenCmd(opts *globalOptions) *cobra.Command {
	var (
		addr        string
		peers       int
		channels    int
		echo        bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Accept connections and print received packets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("addr") {
				cfg.Address = addr
			}
			if flags.Changed("peers") {
				cfg.PeerCount = peers
			}
			if flags.Changed("channels") {
				cfg.ChannelLimit = channels
			}

			hostOpts := []enet.Option{enet.WithConfig(cfg)}
			var registry *prometheus.Registry
			if metricsAddr != "" {
				registry = prometheus.NewRegistry()
				hostOpts = append(hostOpts, enet.WithMetrics(enet.NewMetrics(enet.WithRegistry(registry))))
			}

			host, err := enet.Open("udp", cfg.Address, cfg.PeerCount, cfg.ChannelLimit,
				cfg.IncomingBandwidth, cfg.OutgoingBandwidth, hostOpts...)
			if err != nil {
				return err
			}
			defer host.Close()
			pterm.Info.Printfln("listening on %s", host.Address())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error { return serve(ctx, host, echo) })

			if registry != nil {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
				srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				pterm.Info.Printfln("metrics on http://%s/metrics", metricsAddr)

				g.Go(func() error {
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			return g.Wait()
		},
	}

	defaults := enet.DefaultConfig()
	cmd.Flags().StringVar(&addr, "addr", defaults.Address, "Address to listen on")
	cmd.Flags().IntVar(&peers, "peers", defaults.PeerCount, "Maximum number of peers")
	cmd.Flags().IntVar(&channels, "channels", defaults.ChannelLimit, "Maximum channels per peer")
	cmd.Flags().BoolVar(&echo, "echo", false, "Send every received packet back to its sender")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")

	return cmd
}

// serve services host and prints its events until ctx is done.
func serve(ctx context.Context, host *enet.Host, echo bool) error {
	for ctx.Err() == nil {
		ev, err := host.Service(serviceTimeout)
		if err != nil {
			return err
		}

		switch ev.Type {
		case enet.EventConnect:
			pterm.Success.Printfln("peer %d connected from %s", ev.Peer.ID(), ev.Peer.Address())
		case enet.EventReceive:
			pterm.Printfln("peer %d channel %d: %s", ev.Peer.ID(), ev.ChannelID, ev.Packet.Data)
			if echo {
				if err := ev.Peer.Send(ev.ChannelID, enet.NewPacket(ev.Packet.Data, ev.Packet.Flags)); err != nil {
					pterm.Warning.Printfln("echo to peer %d: %v", ev.Peer.ID(), err)
				}
			}
		case enet.EventDisconnect:
			if ev.Timeout {
				pterm.Warning.Printfln("peer %d timed out", ev.Peer.ID())
			} else {
				pterm.Info.Printfln("peer %d disconnected (data %d)", ev.Peer.ID(), ev.Data)
			}
		}
	}
	return nil
}
