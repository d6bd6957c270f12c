package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/semmidev/backt/internal/app"
	"github.com/semmidev/backt/internal/config"
	"github.com/semmidev/backt/internal/domain"
	"github.com/semmidev/backt/internal/infrastructure/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	database := flag.String("database", "", "run one backup (or restore) of the named database and exit")
	kind := flag.String("kind", "", "backup kind for -database: full, incremental or differential")
	restoreID := flag.String("restore", "", "restore this backup ID into -database")
	dataDir := flag.String("data-dir", "", "empty PostgreSQL data directory to unpack a base backup into (PostgreSQL incremental/differential restores)")
	history := flag.Int("history", 0, "print the last N recorded backups of -database")
	driveAuthAddr := flag.String("gdrive-auth", "", "serve the Google Drive OAuth flow on this address and exit on interrupt")
	clientSecret := flag.String("client-secret", "client_secret.json", "OAuth client secret used by -gdrive-auth")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *driveAuthAddr != "" {
		l, err := logger.New("info", "")
		if err != nil {
			return err
		}
		defer l.Close()

		authorizer, err := app.NewDriveAuthorizer(l, *clientSecret)
		if err != nil {
			return err
		}
		return authorizer.Serve(ctx, *driveAuthAddr)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize app: %w", err)
	}
	defer application.Shutdown()

	if *database == "" {
		return application.Run(ctx)
	}

	switch {
	case *history > 0:
		return printHistory(ctx, application, *database, *history)
	case *restoreID != "":
		var options map[string]string
		if *dataDir != "" {
			options = map[string]string{domain.OptionDataDirectory: *dataDir}
		}
		if err := application.Restore(ctx, *database, *restoreID, options); err != nil {
			return fmt.Errorf("restore %s: %w", *restoreID, err)
		}
		fmt.Printf("Restored %s into %s\n", *restoreID, *database)
		return nil
	default:
		var backupKind domain.BackupKind
		if *kind != "" {
			if backupKind, err = domain.ParseBackupKind(*kind); err != nil {
				return err
			}
		}
		result, err := application.Backup(ctx, *database, backupKind)
		if err != nil {
			return fmt.Errorf("backup %s: %w", *database, err)
		}
		if !result.Succeeded() {
			return fmt.Errorf("backup %s failed: %s", result.BackupID, result.ErrorMessage)
		}
		fmt.Printf("%s %s %s (%d bytes)\n", result.BackupID, result.Kind, result.BackupFilePath, result.SizeInBytes)
		return nil
	}
}

func printHistory(ctx context.Context, application *app.App, database string, limit int) error {
	records, err := application.History(ctx, database, limit)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%s\t%s\n",
			r.CreationTime.Format(time.RFC3339), r.Kind, r.Status, r.BackupID, r.BackupFilePath)
	}
	return nil
}
