package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/logging"
	"github.com/example/palmid/internal/repository"
	"github.com/example/palmid/internal/secure"
)

// Version is the application version.
const Version = "0.1.0"

// storeOpener returns a ready credential store and a function releasing it.
type storeOpener func(ctx context.Context, dsn, secretKey string, verbose bool) (credential.Store, func() error, error)

type app struct {
	dsn       string
	secretKey string
	verbose   bool
	open      storeOpener

	store credential.Store
	close func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{open: openPostgresStore}
	err := newRootCmd(a).ExecuteContext(ctx)
	if a.close != nil {
		_ = a.close()
	}
	if err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			red.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "palmctl",
		Short:         "Manage palmid users, factors and stored credentials",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Annotations["store"] != "required" {
				return nil
			}
			if a.dsn == "" {
				a.dsn = os.Getenv("DATABASE_DSN")
			}
			if a.secretKey == "" {
				a.secretKey = os.Getenv("PALMID_SECRET_KEY")
			}
			store, closeFn, err := a.open(cmd.Context(), a.dsn, a.secretKey, a.verbose)
			if err != nil {
				return fail(cmd, "Could not open the credential store", err)
			}
			a.store, a.close = store, closeFn
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.close == nil {
				return nil
			}
			closeFn := a.close
			a.close = nil
			return closeFn()
		},
	}
	root.PersistentFlags().StringVar(&a.dsn, "dsn", "", "Postgres DSN (default $DATABASE_DSN)")
	root.PersistentFlags().StringVar(&a.secretKey, "secret-key", "", "hex sealing key (default $PALMID_SECRET_KEY)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log store operations")

	root.AddCommand(newUsersCmd(a), newPasscodeCmd(a), newWipeCmd(a), newKeygenCmd())
	return root
}

func needsStore(cmd *cobra.Command) *cobra.Command {
	if cmd.Annotations == nil {
		cmd.Annotations = map[string]string{}
	}
	cmd.Annotations["store"] = "required"
	return cmd
}

func openPostgresStore(ctx context.Context, dsn, secretKey string, verbose bool) (credential.Store, func() error, error) {
	if dsn == "" {
		return nil, nil, errors.New("a database DSN is required")
	}
	key, err := secure.ParseKey(secretKey)
	if err != nil {
		return nil, nil, err
	}
	aead, err := secure.NewAEAD(key)
	if err != nil {
		return nil, nil, err
	}

	logger := zap.NewNop()
	if verbose {
		if logger, err = logging.NewDevelopmentLogger(true); err != nil {
			return nil, nil, err
		}
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	store := credential.NewSealedStore(repository.NewCredentialRepository(db, logger), aead)
	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := store.Init(initCtx); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}
