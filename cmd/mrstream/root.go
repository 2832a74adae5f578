package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const skipAppAnnotation = "mrstream/no-app"

// cli holds state shared by every command of one invocation.
type cli struct {
	root         *cobra.Command
	app          *app
	readPassword func(prompt string) (string, error)
}

func newCLI() *cli {
	c := &cli{readPassword: readPasswordFromTerminal}
	c.root = c.newRootCmd()
	return c
}

// execute runs the command line and releases the credential store afterwards,
// whether or not the command succeeded.
func (c *cli) execute(ctx context.Context, args []string) error {
	defer func() {
		if c.app != nil {
			c.app.close()
		}
	}()
	c.root.SetArgs(args)
	return c.root.ExecuteContext(ctx)
}

func (c *cli) newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mrstream",
		Short:         "Stream to Twitch and PeerTube at once",
		Long:          "mrstream creates broadcasts on several streaming services, writes the nginx push config for them and relays chat events to local overlays.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations[skipAppAnnotation] != "" {
				return nil
			}
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			c.app = a
			return nil
		},
	}

	rootCmd.AddCommand(c.newAddCmd())
	rootCmd.AddCommand(c.newEnableCmd(true))
	rootCmd.AddCommand(c.newEnableCmd(false))
	rootCmd.AddCommand(c.newListCmd())
	rootCmd.AddCommand(c.newAuthCmd())
	rootCmd.AddCommand(c.newCreateCmd())
	rootCmd.AddCommand(c.newUpdateCmd())
	rootCmd.AddCommand(c.newSetDefaultsCmd())
	rootCmd.AddCommand(c.newCategoriesCmd())
	rootCmd.AddCommand(c.newVideosCmd())
	rootCmd.AddCommand(c.newPushConfigCmd())
	rootCmd.AddCommand(c.newRelayCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func readPasswordFromTerminal(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		// Not a terminal, read a plain line instead.
		line, rerr := bufio.NewReader(os.Stdin).ReadString('\n')
		if rerr != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		data = []byte(line)
	}
	return strings.TrimSpace(string(data)), nil
}
