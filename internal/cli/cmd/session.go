package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/berrythewa/meshplay/internal/daemon"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newHostCmd() *cobra.Command {
	var (
		trackID  string
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Create a room and host playback",
		Long: `Create a room and advertise it under a short numeric code.
Peers that join the room follow this node's clock and playback.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetZapLogger()

			ctx, stop := sessionContext(cmd.Context(), duration)
			defer stop()

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}
			defer d.Stop()
			if err := d.Start(ctx); err != nil {
				return err
			}

			code, err := d.CreateRoom(ctx)
			if err != nil {
				return fmt.Errorf("failed to create room: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Hosting room %s as %s\n", code, d.LocalID())

			if trackID != "" {
				track, err := d.LoadTrack(ctx, trackID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Playing %s - %s\n", track.Artist, track.Title)
			}

			logger.Info("Room open, press Ctrl+C to stop", zap.String("room", code))
			return watchSession(ctx, d, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&trackID, "track", "t", "", "track id to start playing")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long (for testing)")
	return cmd
}

func newJoinCmd() *cobra.Command {
	var (
		timeout  time.Duration
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "join [CODE]",
		Short: "Join a room",
		Long: `Scan for rooms and join the first peer advertising CODE.
Without a code the first room found is joined.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := GetZapLogger()

			var code string
			if len(args) == 1 {
				code = args[0]
			}

			ctx, stop := sessionContext(cmd.Context(), duration)
			defer stop()

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}
			defer d.Stop()
			if err := d.Start(ctx); err != nil {
				return err
			}

			joinCtx, cancel := context.WithTimeout(ctx, timeout)
			host, err := d.JoinRoomByCode(joinCtx, code)
			cancel()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Joined room %s hosted by %s\n", d.Topology().RoomCode, host)

			return watchSession(ctx, d, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to look for the room")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long (for testing)")
	return cmd
}

// sessionContext ends on SIGINT or SIGTERM, or after duration when positive
func sessionContext(parent context.Context, duration time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	if duration <= 0 {
		return ctx, stop
	}
	ctx, cancel := context.WithTimeout(ctx, duration)
	return ctx, func() {
		cancel()
		stop()
	}
}

// watchSession prints membership changes and chat until ctx ends or the
// room closes
func watchSession(ctx context.Context, d *daemon.Daemon, out io.Writer) error {
	topology, stopTopology := d.SubscribeTopology()
	defer stopTopology()
	chat, stopChat := d.SubscribeChat()
	defer stopChat()

	peers := -1
	joined := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case topo, ok := <-topology:
			if !ok {
				return nil
			}
			if len(topo.Connected) != peers {
				peers = len(topo.Connected)
				fmt.Fprintf(out, "%d peer(s) connected\n", peers)
			}
			if topo.State == types.MeshConnected {
				joined = true
			}
			if joined && topo.State == types.MeshIdle {
				fmt.Fprintln(out, "Room closed")
				return nil
			}
		case in, ok := <-chat:
			if !ok {
				return nil
			}
			if body, isChat := in.Message.Body.(types.Chat); isChat {
				fmt.Fprintf(out, "[%s] %s\n", in.Message.SenderID, body.Text)
			}
		}
	}
}
