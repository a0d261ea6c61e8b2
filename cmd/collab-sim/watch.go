package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"collaborative-kanban/internal/coordinator"
	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/dto"
)

func watchCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [roomId]",
		Short: "Join a room (project:<id> or task:<id>) and print every event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			if _, _, _, err := domain.ParseRoomID(args[0]); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			transport, err := coordinator.DialWS(ctx, opts.wsURL(), opts.token)
			if err != nil {
				return err
			}
			defer transport.Close()

			if err := transport.Send(ctx, dto.TypePresenceRequest, dto.RoomRequest{RoomID: args[0]}); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = transport.Run(ctx, func(env dto.Envelope) {
				fmt.Fprintf(out, "%s %s\n", env.Type, string(env.Payload))
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
