package commands

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRestoreCommand() *cobra.Command {
	var (
		backupFile string
		dbPath     string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the state database from a backup file",
		Long: `Restore replaces the statedb file at --db with the contents of a
backup produced by 'loam backup', transparently ungzipping it when the
backup file ends in .gz.

WARNING: this overwrites the current statedb file.`,
		Example: `  # Restore from a compressed backup
  loam restore --from loam-backup.db.gz --db loam.db

  # Skip the confirmation prompt
  loam restore --from loam-backup.db.gz --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("from", backupFile).Str("db", dbPath).Msg("restoring from backup")

			if !force {
				if !confirm(fmt.Sprintf("this will overwrite %s with %s. Continue?", dbPath, backupFile)) {
					fmt.Println("aborted")
					return nil
				}
			}

			in, err := os.Open(backupFile)
			if err != nil {
				return fmt.Errorf("opening backup: %w", err)
			}
			defer in.Close()

			var reader io.Reader = in
			if strings.HasSuffix(backupFile, ".gz") {
				gr, err := gzip.NewReader(in)
				if err != nil {
					return fmt.Errorf("reading gzip backup: %w", err)
				}
				defer gr.Close()
				reader = gr
			}

			tmpPath := dbPath + ".restoring"
			out, err := os.Create(tmpPath)
			if err != nil {
				return fmt.Errorf("creating restore target: %w", err)
			}
			if _, err := io.Copy(out, reader); err != nil {
				out.Close()
				os.Remove(tmpPath)
				return fmt.Errorf("writing restored database: %w", err)
			}
			if err := out.Close(); err != nil {
				return err
			}

			if err := os.Rename(tmpPath, dbPath); err != nil {
				return fmt.Errorf("installing restored database: %w", err)
			}

			fmt.Printf("restored %s from %s\n", dbPath, backupFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&backupFile, "from", "", "backup file to restore from")
	cmd.Flags().StringVar(&dbPath, "db", "loam.db", "statedb file path to restore into")
	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")
	cmd.MarkFlagRequired("from")

	return cmd
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}
