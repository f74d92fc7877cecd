package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/berrythewa/meshplay/internal/storage"
	"github.com/berrythewa/meshplay/internal/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newLibraryCmd creates the library command
func newLibraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Manage the local track library",
		Long: `Manage the tracks this node can resolve without the metadata service.
The library cannot be opened while a host or join session is running.`,
	}

	cmd.AddCommand(newLibraryAddCmd())
	cmd.AddCommand(newLibraryListCmd())
	cmd.AddCommand(newLibraryRemoveCmd())
	return cmd
}

func openLibrary() (*storage.BoltLibrary, error) {
	return storage.NewBoltLibrary(storage.LibraryConfig{
		DBPath: cfg.Storage.DBPath,
		Logger: GetZapLogger(),
	})
}

func newLibraryAddCmd() *cobra.Command {
	var (
		title    string
		artist   string
		album    string
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add ID",
		Short: "Add or update a track",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			track := &types.Track{
				ID:         args[0],
				Title:      title,
				Artist:     artist,
				Album:      album,
				DurationMs: duration.Milliseconds(),
			}
			if track.Title == "" {
				track.Title = track.ID
			}
			if err := lib.SaveTrack(track); err != nil {
				return err
			}

			GetZapLogger().Debug("Track saved", zap.String("id", track.ID))
			fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", track.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&title, "title", "", "track title (defaults to the id)")
	cmd.Flags().StringVar(&artist, "artist", "", "artist name")
	cmd.Flags().StringVar(&album, "album", "", "album name")
	cmd.Flags().DurationVar(&duration, "duration", 0, "track length, e.g. 3m25s")
	return cmd
}

func newLibraryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tracks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			tracks, err := lib.ListTracks()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(tracks) == 0 {
				fmt.Fprintln(out, "Library is empty")
				return nil
			}
			for _, t := range tracks {
				length := "-"
				if t.DurationMs > 0 {
					length = (time.Duration(t.DurationMs) * time.Millisecond).Round(time.Second).String()
				}
				fmt.Fprintf(out, "%-24s %-32s %-24s %s\n", t.ID, t.Title, t.Artist, length)
			}
			return nil
		},
	}
}

func newLibraryRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Remove a track",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lib, err := openLibrary()
			if err != nil {
				return err
			}
			defer lib.Close()

			if err := lib.DeleteTrack(args[0]); err != nil {
				if errors.Is(err, storage.ErrTrackNotFound) {
					return fmt.Errorf("no track with id %q", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}
