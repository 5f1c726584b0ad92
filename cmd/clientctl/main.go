// Command clientctl provisions API clients and their rate limits.
// create prints the raw credential exactly once; only its bcrypt hash
// is stored.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"outreach-coordinator/internal/auth"
	"outreach-coordinator/internal/config"
	"outreach-coordinator/internal/models"
	"outreach-coordinator/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:           "clientctl",
		Short:         "Provision API clients and their rate limits",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		buildCreateCommand(),
		buildLimitsCommand(),
		buildStatusCommand("suspend", "Suspend a client", models.ClientSuspended),
		buildStatusCommand("activate", "Reactivate a suspended client", models.ClientActive),
		buildStatusCommand("delete", "Soft-delete a client", models.ClientDeleted),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore(ctx context.Context) (*store.Store, error) {
	cfg := config.Load()
	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return st, nil
}

func buildCreateCommand() *cobra.Command {
	var name string
	var email string
	var credential string

	cmd := &cobra.Command{
		Use:   "create <client-id>",
		Short: "Provision a client with default limits and print its credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			raw := credential
			if raw == "" {
				if raw, err = generateCredential(); err != nil {
					return fmt.Errorf("generate credential: %w", err)
				}
			}
			hash, err := auth.HashCredential(raw)
			if err != nil {
				return fmt.Errorf("hash credential: %w", err)
			}

			client, err := st.CreateClient(ctx, store.CreateClientParams{
				ID:             args[0],
				Name:           name,
				Email:          email,
				CredentialHash: hash,
			})
			if err != nil {
				return fmt.Errorf("create client: %w", err)
			}
			lim, err := st.GetLimits(ctx, client.ID)
			if err != nil {
				return fmt.Errorf("read limits: %w", err)
			}

			fmt.Printf("client %s created (status %s)\n", client.ID, client.Status)
			fmt.Printf("credential: %s\n", raw)
			fmt.Println("store it now, it is not retrievable later")
			fmt.Printf("limits: rpm=%d rph=%d rpd=%d messages/day=%d\n",
				lim.RequestsPerMinute, lim.RequestsPerHour, lim.RequestsPerDay, lim.MessagesPerDay)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name, defaults to the id")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&credential, "credential", "", "raw credential, generated when omitted")
	return cmd
}

func buildLimitsCommand() *cobra.Command {
	var rpm int
	var rph int
	var rpd int
	var mpd int

	cmd := &cobra.Command{
		Use:   "limits <client-id>",
		Short: "Show or update a client's rate limits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			clientID := args[0]
			if _, err := st.GetClient(ctx, clientID); err != nil {
				return fmt.Errorf("load client %s: %w", clientID, err)
			}
			lim, err := st.GetLimits(ctx, clientID)
			if err != nil {
				return fmt.Errorf("read limits: %w", err)
			}

			changed := false
			if cmd.Flags().Changed("rpm") {
				lim.RequestsPerMinute = rpm
				changed = true
			}
			if cmd.Flags().Changed("rph") {
				lim.RequestsPerHour = rph
				changed = true
			}
			if cmd.Flags().Changed("rpd") {
				lim.RequestsPerDay = rpd
				changed = true
			}
			if cmd.Flags().Changed("mpd") {
				lim.MessagesPerDay = mpd
				changed = true
			}
			if changed {
				lim.ClientID = clientID
				if err := st.UpsertLimits(ctx, lim); err != nil {
					return fmt.Errorf("update limits: %w", err)
				}
			}

			fmt.Printf("limits for %s: rpm=%d rph=%d rpd=%d messages/day=%d\n",
				clientID, lim.RequestsPerMinute, lim.RequestsPerHour, lim.RequestsPerDay, lim.MessagesPerDay)
			return nil
		},
	}
	cmd.Flags().IntVar(&rpm, "rpm", 0, "requests per minute")
	cmd.Flags().IntVar(&rph, "rph", 0, "requests per hour")
	cmd.Flags().IntVar(&rpd, "rpd", 0, "requests per day")
	cmd.Flags().IntVar(&mpd, "mpd", 0, "messages per day")
	return cmd
}

func buildStatusCommand(use, short, status string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <client-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.UpdateClientStatus(ctx, args[0], status); err != nil {
				return fmt.Errorf("update status: %w", err)
			}
			fmt.Printf("client %s is now %s\n", args[0], status)
			return nil
		},
	}
}

func generateCredential() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
