package commands

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/loamhq/loam/pkg/statedb"
)

func newBackupCommand() *cobra.Command {
	var (
		dbPath   string
		outFile  string
		compress bool
	)

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Hot-copy the state database to a backup file",
		Long: `Backup performs a SQLite VACUUM INTO against the running statedb,
producing a consistent snapshot without requiring loam to be stopped.`,
		Example: `  # Create a compressed backup
  loam backup --db loam.db --out loam-backup.db.gz

  # Uncompressed backup
  loam backup --db loam.db --out loam-backup.db --compress=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("db", dbPath).Str("out", outFile).Bool("compress", compress).Msg("creating backup")

			store, err := statedb.NewSQLiteStore(statedb.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("opening statedb: %w", err)
			}
			if err := store.Init(cmd.Context()); err != nil {
				return fmt.Errorf("initializing statedb: %w", err)
			}
			defer store.Close()

			rawPath := outFile
			if compress {
				rawPath = outFile + ".tmp"
				defer os.Remove(rawPath)
			}

			if err := store.BackupTo(cmd.Context(), rawPath); err != nil {
				return err
			}

			if !compress {
				fmt.Printf("backup written to %s\n", outFile)
				return nil
			}

			if err := gzipFile(rawPath, outFile); err != nil {
				return fmt.Errorf("compressing backup: %w", err)
			}
			fmt.Printf("backup written to %s\n", outFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "loam.db", "path to the statedb file to back up")
	cmd.Flags().StringVarP(&outFile, "out", "o", "loam-backup.db.gz", "backup output file")
	cmd.Flags().BoolVar(&compress, "compress", true, "gzip-compress the backup")

	return cmd
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	defer gw.Close()

	_, err = io.Copy(gw, in)
	return err
}
