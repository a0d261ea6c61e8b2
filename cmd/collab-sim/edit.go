package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"collaborative-kanban/internal/coordinator"
	"collaborative-kanban/internal/domain"
	"collaborative-kanban/internal/dto"
	"collaborative-kanban/internal/service"
)

func editCmd(opts *globalOptions) *cobra.Command {
	var (
		field      string
		value      string
		hold       time.Duration
		onConflict string
		via        string
	)
	cmd := &cobra.Command{
		Use:   "edit [taskId]",
		Short: "Claim a field, hold it, then submit a change with the captured version",
		Long: `Joins task:<id>, claims the field with editing:start and keeps the claim
alive with heartbeats for --hold. The write carries the version read on open,
so a concurrent change made during the hold produces a conflict that is
resolved according to --on-conflict.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireToken(); err != nil {
				return err
			}
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			mutation, err := buildMutation(field, value)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runEdit(ctx, opts, uint(id), field, mutation, hold, onConflict, via)
		},
	}
	cmd.Flags().StringVarP(&field, "field", "f", domain.FieldTitle, "Field to edit (title, description, status, priority, assignee)")
	cmd.Flags().StringVarP(&value, "value", "v", "", "New value for the field")
	cmd.Flags().DurationVar(&hold, "hold", 0, "How long to hold the field before submitting")
	cmd.Flags().StringVar(&onConflict, "on-conflict", "abort", "Conflict handling: abort, discard or reapply")
	cmd.Flags().StringVar(&via, "via", "ws", "Write path: ws or http")
	return cmd
}

func runEdit(ctx context.Context, opts *globalOptions, taskID uint, field string, mutation domain.TaskMutation, hold time.Duration, onConflict, via string) error {
	log := logrus.WithFields(logrus.Fields{"component": "collab-sim", "task_id": taskID, "field": field})

	transport, err := coordinator.DialWS(ctx, opts.wsURL(), opts.token)
	if err != nil {
		return err
	}
	defer transport.Close()

	gateway := coordinator.NewHTTPGateway(opts.server, opts.token, nil)
	var writer coordinator.TaskWriter = transport
	switch via {
	case "ws":
	case "http":
		writer = gateway
	default:
		return fmt.Errorf("unknown --via %q", via)
	}

	coord := coordinator.New(coordinator.Config{
		ItemID:    taskID,
		Transport: transport,
		Reader:    gateway,
		Writer:    writer,
	})
	go func() {
		if err := transport.Run(ctx, func(env dto.Envelope) {
			if coord.HandleEnvelope(env) {
				log.WithField("type", env.Type).Debug("Received")
			}
		}); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("Connection closed")
		}
	}()

	task, err := coord.Open(ctx)
	if err != nil {
		return err
	}
	log.WithField("version", task.Version).Info("Opened task")
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Close incomplete")
		}
	}()

	if err := coord.Focus(ctx, field); err != nil {
		return err
	}
	if hold > 0 {
		log.WithField("hold", hold).Info("Holding field")
		select {
		case <-time.After(hold):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, l := range coord.Locks() {
		log.WithFields(logrus.Fields{"holder": l.User.Username, "lock_field": l.Field}).Info("Currently editing")
	}
	if hint, ok := coord.StaleHint(); ok {
		log.WithField("remote_version", hint.Version).Warn("Task changed remotely while editing")
	}

	updated, err := coord.Submit(ctx, mutation)
	if err == nil {
		log.WithField("version", updated.Version).Info("Write accepted")
		return nil
	}
	if !errors.Is(err, service.ErrVersionConflict) {
		return err
	}

	pending, _ := coord.Conflict()
	remoteVersion := uint64(0)
	if pending.Remote != nil {
		remoteVersion = pending.Remote.Version
	}
	log.WithFields(logrus.Fields{
		"local_fields":   pending.Local.Fields(),
		"remote_version": remoteVersion,
	}).Warn("Write rejected: task changed since it was opened")

	var resolution coordinator.Resolution
	switch onConflict {
	case "discard":
		resolution = coordinator.ResolutionDiscard
	case "reapply":
		resolution = coordinator.ResolutionReapply
	default:
		return err
	}
	resolved, err := coord.Resolve(ctx, resolution)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"version": resolved.Version, "resolution": onConflict}).Info("Conflict resolved")
	return nil
}

func buildMutation(field, value string) (domain.TaskMutation, error) {
	var m domain.TaskMutation
	switch field {
	case domain.FieldTitle:
		m.Title = &value
	case domain.FieldDescription:
		m.Description = &value
	case domain.FieldStatus:
		m.Status = &value
	case domain.FieldPriority:
		p, err := strconv.Atoi(value)
		if err != nil {
			return m, fmt.Errorf("priority must be an integer: %w", err)
		}
		m.Priority = &p
	case domain.FieldAssignee:
		if value == "" {
			m.ClearAssignee = true
			break
		}
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return m, fmt.Errorf("assignee must be a user id: %w", err)
		}
		uid := uint(id)
		m.AssigneeID = &uid
	default:
		return m, fmt.Errorf("unknown field %q", field)
	}
	return m, m.Validate()
}
