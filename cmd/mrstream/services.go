package main

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/moralrecordings/mrstream/internal/domain"
)

func (c *cli) newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a streaming service",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "twitch NAME CLIENT_ID CLIENT_SECRET",
		Short: "Add a Twitch account",
		Long: `Add a Twitch account.

Register an application at https://dev.twitch.tv/console with its OAuth
redirect URL set to TWITCH_REDIRECT_URI (http://localhost:17563 by default).`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			record := domain.CredentialRecord{
				Name:         args[0],
				Kind:         domain.KindTwitch,
				Enabled:      true,
				ClientID:     args[1],
				ClientSecret: args[2],
			}
			if err := c.addRecord(cmd, record); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %q as a Twitch service\n", record.Name)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "peertube NAME BASE_URL USERNAME [PASSWORD]",
		Short: "Add an account on a PeerTube instance",
		Long:  "Add an account on a PeerTube instance. The password is prompted for when omitted.",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			record := domain.CredentialRecord{
				Name:     args[0],
				Kind:     domain.KindPeerTube,
				Enabled:  true,
				BaseURL:  args[1],
				Username: args[2],
			}
			if len(args) == 4 {
				record.Password = args[3]
			} else {
				password, err := c.readPassword(fmt.Sprintf("Password for %s on %s: ", record.Username, record.BaseURL))
				if err != nil {
					return err
				}
				record.Password = password
			}
			if record.Password == "" {
				return errors.New("a password is required")
			}

			if err := c.addRecord(cmd, record); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added %q as a PeerTube service\n", record.Name)
			return nil
		},
	})

	return cmd
}

func (c *cli) addRecord(cmd *cobra.Command, record domain.CredentialRecord) error {
	ctx := cmd.Context()
	_, err := c.app.store.Get(ctx, record.Name)
	switch {
	case err == nil:
		return fmt.Errorf("%q: %w", record.Name, domain.ErrServiceExists)
	case !errors.Is(err, domain.ErrServiceNotFound):
		return err
	}
	return c.app.store.Put(ctx, record)
}

func (c *cli) newEnableCmd(enabled bool) *cobra.Command {
	use, short := "enable NAME", "Enable a streaming service"
	if !enabled {
		use, short = "disable NAME", "Disable a streaming service"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			record, err := c.app.store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.app.store.Put(cmd.Context(), record.WithEnabled(enabled))
		},
	}
}

func (c *cli) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured streaming services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := c.app.store.GetAll(cmd.Context())
			if err != nil {
				return err
			}
			names := make([]string, 0, len(records))
			for name := range records {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tENABLED\tLOGIN")
			for _, name := range names {
				r := records[name]
				login := r.Login
				if login == "" {
					login = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r.Name, r.Kind, r.Enabled, login)
			}
			return w.Flush()
		},
	}
}

func (c *cli) newAuthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth NAME",
		Short: "Validate, refresh or authorize a service's tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.app.sessions.EnsureSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is authorized as %s\n", s.Service, s.Login)
			return nil
		},
	}
}
