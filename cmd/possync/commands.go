package main

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/crypto"
	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/store"
	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/syncer"
)

// openStore opens the local database scoped to the current session.
func openStore() (*store.Store, *store.DB, error) {
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local store: %w", err)
	}

	return store.New(db, sess), db, nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	return string(password), nil
}

func newInitCommand() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a workspace on this device and register its first user",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			password, err := promptPassword("Choose a password: ")
			if err != nil {
				return err
			}

			dek, err := crypto.GenerateDataKey()
			if err != nil {
				return err
			}

			workspaceID := uuid.NewString()

			if err := s.RegisterUser(cmd.Context(), username, workspaceID, password, dek); err != nil {
				return err
			}

			sess.Username = username
			sess.WorkspaceID = workspaceID
			if err := sess.Save(); err != nil {
				return err
			}

			fmt.Printf("Workspace %s created.\n", workspaceID)
			fmt.Println("Recovery key (store it somewhere safe, it will not be shown again):")
			fmt.Println(crypto.ExportRecoveryKey(dek))

			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username for the first user")
	cmd.MarkFlagRequired("username")

	return cmd
}

func newAddUserCommand() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "add-user",
		Short: "Register another user for this workspace, sharing the workspace key",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			existingPassword, err := promptPassword(fmt.Sprintf("Password for %s: ", sess.Username))
			if err != nil {
				return err
			}

			dek, err := s.UnlockUser(cmd.Context(), sess.Username, existingPassword)
			if err != nil {
				return err
			}

			newPassword, err := promptPassword(fmt.Sprintf("Choose a password for %s: ", username))
			if err != nil {
				return err
			}

			if err := s.RegisterUser(cmd.Context(), username, sess.Workspace(), newPassword, dek); err != nil {
				return err
			}

			fmt.Printf("User %s added to workspace %s.\n", username, sess.Workspace())
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Username for the new user")
	cmd.MarkFlagRequired("username")

	return cmd
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending local changes and pull remote changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			engine := syncer.NewEngine(s, syncer.NewClient(cfg.Server, cfg.DeviceID, sess))

			result := engine.Run(cmd.Context())
			if !result.Success {
				fmt.Printf("Sync failed: %s\n", result.Message)
				return nil
			}

			fmt.Printf("Sync complete: pushed %d records and %d deletions, pulled %d records and %d deletions (%.2fs)\n",
				result.Pushed, result.PushedDeletes, result.Pulled, result.PulledDeletes,
				result.Duration.Seconds())

			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending changes and last sync time",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			status, err := s.SyncStatus(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Workspace:          %s\n", sess.Workspace())
			fmt.Printf("Pending records:    %d\n", status.PendingRecords)
			fmt.Printf("Pending deletions:  %d\n", status.PendingTombstones)
			if status.LastSyncAt.IsZero() {
				fmt.Println("Last sync:          never")
			} else {
				fmt.Printf("Last sync:          %s\n", status.LastSyncAt.Format(time.RFC3339))
			}

			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	var unlock bool

	cmd := &cobra.Command{
		Use:   "list <table>",
		Short: "List the records of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if unlock {
				password, err := promptPassword(fmt.Sprintf("Password for %s: ", sess.Username))
				if err != nil {
					return err
				}
				dek, err := s.UnlockUser(cmd.Context(), sess.Username, password)
				if err != nil {
					return err
				}
				s.Unlock(dek)
				defer s.Lock()
			}

			records, err := s.Query(cmd.Context(), args[0], nil)
			if err != nil {
				return err
			}

			for _, rec := range records {
				id, _ := rec.ID()
				fmt.Printf("%s\t%v\t%v\n", id, rec[store.FieldSyncStatus], rec[store.FieldUpdatedAt])
			}
			fmt.Printf("%d record(s)\n", len(records))

			return nil
		},
	}

	cmd.Flags().BoolVar(&unlock, "unlock", false, "Prompt for the password and decrypt protected fields")

	return cmd
}

func newChangePasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "change-password",
		Short: "Re-wrap the workspace key under a new password",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			oldPassword, err := promptPassword("Current password: ")
			if err != nil {
				return err
			}
			newPassword, err := promptPassword("New password: ")
			if err != nil {
				return err
			}

			if err := s.ChangePassword(cmd.Context(), sess.Username, oldPassword, newPassword); err != nil {
				return err
			}

			fmt.Println("Password changed.")
			return nil
		},
	}
}

func newRecoveryKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recovery-key",
		Short: "Show the workspace recovery key",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			password, err := promptPassword(fmt.Sprintf("Password for %s: ", sess.Username))
			if err != nil {
				return err
			}

			dek, err := s.UnlockUser(cmd.Context(), sess.Username, password)
			if err != nil {
				return err
			}

			fmt.Println(crypto.ExportRecoveryKey(dek))
			return nil
		},
	}
}

func newRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Regain access with the recovery key and set a new password",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			recoveryKey, err := promptPassword("Recovery key: ")
			if err != nil {
				return err
			}
			newPassword, err := promptPassword("New password: ")
			if err != nil {
				return err
			}

			if err := s.RecoverAccess(cmd.Context(), sess.Username, recoveryKey, newPassword); err != nil {
				return err
			}

			fmt.Println("Access restored.")
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("possync %s\n", version)
		},
	}
}
