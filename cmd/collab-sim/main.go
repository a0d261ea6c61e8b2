// collab-sim 是一个命令行客户端，用于手工演练编辑软锁、光标和版本冲突流程。
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	server   string
	token    string
	logLevel string
}

func main() {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:   "collab-sim",
		Short: "Drive the collaboration server from the command line",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			logrus.SetLevel(level)
			logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
			return nil
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8080", "Server base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("KANBAN_TOKEN"), "JWT (defaults to $KANBAN_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "Log level")

	rootCmd.AddCommand(loginCmd(opts))
	rootCmd.AddCommand(editCmd(opts))
	rootCmd.AddCommand(watchCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (o *globalOptions) wsURL() string {
	base := strings.TrimRight(o.server, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

func (o *globalOptions) requireToken() error {
	if o.token == "" {
		return fmt.Errorf("no token: run `collab-sim login` and pass --token or set KANBAN_TOKEN")
	}
	return nil
}
