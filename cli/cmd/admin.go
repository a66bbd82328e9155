package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/telhawk-systems/taskhub-stack/cli/pkg/output"
)

const minAdminKeyLen = 16

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operator utilities",
}

var adminHashKeyCmd = &cobra.Command{
	Use:   "hash-key [key]",
	Short: "Hash an admin key for auth.admin_key_hash",
	Long: `Print the bcrypt hash the core service expects in auth.admin_key_hash.
With --generate a random key is created and printed alongside its hash.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		generate, _ := cmd.Flags().GetBool("generate")

		var key string
		switch {
		case generate:
			k, err := generateKey()
			if err != nil {
				return err
			}
			key = k
		case len(args) == 1:
			key = args[0]
		default:
			return errors.New("pass a key or --generate")
		}

		hash, err := hashAdminKey(key)
		if err != nil {
			return err
		}
		if generate {
			output.Info("key:  %s", key)
		}
		output.Info("hash: %s", hash)
		return nil
	},
}

func generateKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashAdminKey(key string) (string, error) {
	if len(key) < minAdminKeyLen {
		return "", fmt.Errorf("admin key must be at least %d characters", minAdminKeyLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin key: %w", err)
	}
	return string(hash), nil
}

func init() {
	rootCmd.AddCommand(adminCmd)
	adminCmd.AddCommand(adminHashKeyCmd)
	adminHashKeyCmd.Flags().Bool("generate", false, "generate a random key")
}
