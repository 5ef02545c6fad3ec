package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/medledger/internal/archive"
	"github.com/jmerrifield20/medledger/internal/ledger"
	"github.com/jmerrifield20/medledger/internal/store"
)

var (
	exportDataDir     string
	exportDatabaseURL string
	exportOut         string
	exportS3          bool
	exportFrom        uint64
	exportTo          int64
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the chain as an NDJSON archive",
	Long: `Export blocks from a LevelDB directory or a Postgres database to a local
NDJSON file or to S3. Each line carries the exact persisted block record, so
the archive can later be re-verified with 'ledgerctl verify --archive'.

S3 settings come from the config file or MEDLEDGER_ARCHIVE_* variables:
bucket, region, endpoint, prefix, access_key_id, secret_access_key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		src, closeSrc, err := openExportSource(ctx)
		if err != nil {
			return err
		}
		defer closeSrc()

		length, err := src.Len(ctx)
		if err != nil {
			return err
		}
		to := length
		if exportTo >= 0 && uint64(exportTo) < length {
			to = uint64(exportTo)
		}
		if exportFrom >= to {
			return fmt.Errorf("nothing to export: range [%d, %d) of %d blocks", exportFrom, to, length)
		}

		if exportS3 {
			return exportToS3(ctx, src, to)
		}
		if exportOut == "" {
			return errors.New("one of --out or --s3 is required")
		}
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		m, err := archive.Write(ctx, f, src, exportFrom, to)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
		if err := writeManifest(exportOut+".manifest.json", m); err != nil {
			return err
		}
		pterm.Success.Printfln("exported %d blocks to %s (sha256 %s)", m.Count, exportOut, m.SHA256)
		return nil
	},
}

func init() {
	f := exportCmd.Flags()
	f.StringVar(&exportDataDir, "data-dir", "", "LevelDB chain directory")
	f.StringVar(&exportDatabaseURL, "database-url", "", "Postgres URL of the chain database")
	f.StringVar(&exportOut, "out", "", "write the archive to this file")
	f.BoolVar(&exportS3, "s3", false, "upload the archive to the configured S3 bucket")
	f.Uint64Var(&exportFrom, "from", 0, "first block to export")
	f.Int64Var(&exportTo, "to", -1, "export blocks before this index (default: to the head)")
	exportCmd.MarkFlagsMutuallyExclusive("data-dir", "database-url")
	exportCmd.MarkFlagsOneRequired("data-dir", "database-url")
	exportCmd.MarkFlagsMutuallyExclusive("out", "s3")
}

func openExportSource(ctx context.Context) (ledger.Store, func(), error) {
	if exportDataDir != "" {
		st, err := store.OpenLevelDB(exportDataDir, true, discard)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
	pool, err := pgxpool.New(ctx, exportDatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store.NewPostgresStore(pool, discard), pool.Close, nil
}

func exportToS3(ctx context.Context, src ledger.Store, to uint64) error {
	cfg := archive.S3Config{
		Bucket:          viper.GetString("archive_bucket"),
		Region:          viper.GetString("archive_region"),
		Endpoint:        viper.GetString("archive_endpoint"),
		Prefix:          viper.GetString("archive_prefix"),
		AccessKeyID:     viper.GetString("archive_access_key_id"),
		SecretAccessKey: viper.GetString("archive_secret_access_key"),
	}
	s3c, err := archive.NewS3Client(cfg)
	if err != nil {
		return err
	}
	exp, err := archive.NewS3Exporter(s3c, cfg.Bucket, cfg.Prefix, discard)
	if err != nil {
		return err
	}
	spinner, _ := pterm.DefaultSpinner.Start("uploading to s3://" + cfg.Bucket)
	key, m, err := exp.Export(ctx, src, exportFrom, to)
	if err != nil {
		spinner.Fail(err.Error())
		return err
	}
	spinner.Success(fmt.Sprintf("exported %d blocks to s3://%s/%s (sha256 %s)", m.Count, cfg.Bucket, key, m.SHA256))
	return nil
}

func writeManifest(path string, m *archive.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
