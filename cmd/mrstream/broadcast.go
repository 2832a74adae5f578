package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/moralrecordings/mrstream/internal/domain"
)

// broadcastFlags are shared by create, update and set-defaults.
type broadcastFlags struct {
	title        string
	description  string
	announcement string
	game         string
	gameID       string
	lang         string
	noVOD        bool
}

func (f *broadcastFlags) register(flags *pflag.FlagSet) {
	flags.StringVar(&f.title, "title", "", "title of the stream")
	flags.StringVar(&f.description, "description", "", "description of the stream")
	flags.StringVar(&f.announcement, "announcement", "", "chat announcement posted when the stream is created")
	flags.StringVar(&f.game, "game", "", "game or category being played")
	flags.StringVar(&f.gameID, "gameid", "", "Twitch ID of the game being played")
	flags.StringVar(&f.lang, "lang", "", "ISO 639-1 code of the stream language")
	flags.BoolVar(&f.noVOD, "novod", false, "do not record the stream")
}

func (f *broadcastFlags) params() domain.BroadcastParams {
	return domain.BroadcastParams{
		Title:        f.title,
		Description:  f.description,
		Announcement: f.announcement,
		Game:         f.game,
		GameID:       f.gameID,
		Language:     f.lang,
		SaveReplay:   !f.noVOD,
	}
}

func (c *cli) newCreateCmd() *cobra.Command {
	var flags broadcastFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a new broadcast on every enabled service",
		Long:  "Start a new broadcast on every enabled service. Flags not given fall back to the stored defaults.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.streams(cmd.OutOrStdout()).Create(cmd.Context(), flags.params())
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func (c *cli) newUpdateCmd() *cobra.Command {
	var flags broadcastFlags
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Change the broadcast in progress on every enabled service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.streams(cmd.OutOrStdout()).Update(cmd.Context(), flags.params())
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func (c *cli) newSetDefaultsCmd() *cobra.Command {
	var flags broadcastFlags
	cmd := &cobra.Command{
		Use:   "set-defaults",
		Short: "Store defaults for new broadcasts",
		Long:  "Store defaults for new broadcasts. Only the flags given are changed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := c.app.store.GetDefaults(ctx)
			if err != nil {
				return err
			}

			set := cmd.Flags().Changed
			if set("title") {
				d.Title = flags.title
			}
			if set("description") {
				d.Description = flags.description
			}
			if set("announcement") {
				d.Announcement = flags.announcement
			}
			if set("game") {
				d.Game = flags.game
			}
			if set("gameid") {
				d.GameID = flags.gameID
			}
			if set("lang") {
				d.Language = flags.lang
			}
			d.SaveReplay = !flags.noVOD

			return c.app.store.PutDefaults(ctx, d)
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func (c *cli) newCategoriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "categories QUERY",
		Short: "Search Twitch games and categories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			categories, err := c.app.streams(cmd.OutOrStdout()).Categories(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, cat := range categories {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (id %s)\n", cat.Name, cat.ID)
			}
			return nil
		},
	}
}

func (c *cli) newVideosCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "videos NAME",
		Short: "List past broadcasts of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			videos, err := c.app.streams(cmd.OutOrStdout()).Videos(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tDURATION\tTITLE\tURL")
			for _, v := range videos {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.CreatedAt, v.Duration, v.Title, v.URL)
			}
			return w.Flush()
		},
	}
}

func (c *cli) newPushConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push-config",
		Short: "Write the nginx push config for enabled services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.streams(cmd.OutOrStdout()).WritePushConfig(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", c.app.cfg.NginxPushFile)
			return nil
		},
	}
}
