package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/safetyworks/sitecore/internal/database"
	"github.com/safetyworks/sitecore/internal/repositories"
	"github.com/safetyworks/sitecore/internal/services"
	pkgauth "github.com/safetyworks/sitecore/pkg/auth"
	pkglogger "github.com/safetyworks/sitecore/pkg/logger"
)

var (
	adminUsername string
	adminEmail    string
)

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Provision an admin account (password read from stdin)",
	Example: `  printf '%s\n' "$ADMIN_PASSWORD" | sitecore create-admin --username editor --email editor@example.org`,
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := readPassword(cmd)
		if err != nil {
			return err
		}

		db, err := database.NewConnection(cmd.Context(), &cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		svc := services.NewAdminService(repositories.NewUserRepository(db), logger, pkglogger.NewAuditLogger(logger))
		user, err := svc.CreateAdmin(ctx, adminUsername, adminEmail, password)
		if err != nil {
			var pve *pkgauth.PasswordValidationError
			if errors.As(err, &pve) {
				return fmt.Errorf("password rejected: %w", pve)
			}
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "created admin %s (%s)\n", user.Username, user.ID)
		return nil
	},
}

func readPassword(cmd *cobra.Command) (string, error) {
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read password from stdin: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password on stdin")
	}
	return password, nil
}

func init() {
	createAdminCmd.Flags().StringVar(&adminUsername, "username", "", "login name")
	createAdminCmd.Flags().StringVar(&adminEmail, "email", "", "address for lockout alerts")
	_ = createAdminCmd.MarkFlagRequired("username")
	_ = createAdminCmd.MarkFlagRequired("email")
}
