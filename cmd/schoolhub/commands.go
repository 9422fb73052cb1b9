package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"schoolhub/internal/app"
	"schoolhub/internal/auth"
	"schoolhub/internal/database"
	"schoolhub/pkg/types"
)

func serveCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP, WebSocket and job workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			ctx = state.logger.WithContext(ctx)

			state.logger.Info().
				Str("env", state.cfg.App.Environment).
				Str("queue", state.cfg.Queue.Driver).
				Bool("isProduction", state.cfg.IsProduction()).
				Send()

			application, err := app.NewApplication(ctx, state.cfg, state.logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			defer func() { _ = application.Close() }()
			return application.Run(ctx)
		},
	}
}

func migrateCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(state)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			applied, err := db.Migrate(state.logger.WithContext(cmd.Context()))
			if err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

func tokenCmd(state *cliState) *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "mint a handshake token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			authn, err := auth.NewAuthenticator(state.cfg.Auth.Secret, state.cfg.Auth.TokenTTL)
			if err != nil {
				return err
			}
			token, expiresAt, err := authn.Issue(types.Identity{UserID: userID, Role: types.Role(role)}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			state.logger.Debug().Str("user_id", userID).Time("expires_at", expiresAt).Msg("token issued")
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the token is bound to")
	cmd.Flags().StringVar(&role, "role", "", "role: admin, teacher or student")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func userCmd(state *cliState) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "manage the user directory",
	}

	var req types.CreateUserRequest
	var role string
	add := &cobra.Command{
		Use:   "add",
		Short: "create or update a directory user",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Role = types.Role(role)
			if err := types.ValidateStruct(req); err != nil {
				return err
			}

			db, err := openDatabase(state)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			ctx := state.logger.WithContext(cmd.Context())
			if _, err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to apply migrations: %w", err)
			}
			if err := db.SaveUser(ctx, &types.User{ID: req.ID, Name: req.Name, Email: req.Email, Role: req.Role}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s (%s)\n", req.ID, req.Role)
			return nil
		},
	}
	add.Flags().StringVar(&req.ID, "id", "", "user id")
	add.Flags().StringVar(&req.Name, "name", "", "display name")
	add.Flags().StringVar(&req.Email, "email", "", "email address")
	add.Flags().StringVar(&role, "role", "", "role: admin, teacher or student")
	for _, name := range []string{"id", "name", "email", "role"} {
		_ = add.MarkFlagRequired(name)
	}

	user.AddCommand(add)
	return user
}

func openDatabase(state *cliState) (*database.Manager, error) {
	db, err := database.NewManager(state.cfg.Database.Store())
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", state.cfg.Database.Path, err)
	}
	return db, nil
}
