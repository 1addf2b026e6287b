package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/opd-ai/mixsession/backup"
	"github.com/opd-ai/mixsession/file"
	"github.com/spf13/cobra"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Work with encrypted backups",
	}
	cmd.AddCommand(backupDecryptCmd())
	return cmd
}

// decrypt: open a blob produced by the backup update stream.
func backupDecryptCmd() *cobra.Command {
	var in, out, passphrase string
	cmd := &cobra.Command{
		Use:   "decrypt",
		Short: "Decrypt a backup blob with its passphrase",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				passphrase = os.Getenv("MIXSESSION_BACKUP_PASSPHRASE")
			}
			if passphrase == "" {
				return errors.New("passphrase required (-p or $MIXSESSION_BACKUP_PASSPHRASE)")
			}
			path, err := file.ValidatePath(in)
			if err != nil {
				return err
			}
			blob, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			plain, err := backup.Decrypt(passphrase, blob)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if out == "" {
				_, err = os.Stdout.Write(plain)
				return err
			}
			return os.WriteFile(out, plain, 0o600)
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "backup blob to decrypt")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the plaintext here instead of stdout")
	cmd.Flags().StringVarP(&passphrase, "passphrase", "p", "", "backup passphrase")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}
