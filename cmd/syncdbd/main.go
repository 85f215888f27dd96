// Command syncdbd serves a syncdb database to remote replicators.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/andreyvit/syncdb"
	"github.com/andreyvit/syncdb/listener"
)

type rootOptions struct {
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "syncdbd:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "syncdbd",
		Short:         "Serve a syncdb database to replicators",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "syncdbd.yaml", "configuration file")
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newUserCommand(opts))
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var (
		dir  string
		db   string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the database and listen for replicators",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("dir") {
				cfg.Dir = dir
			}
			if cmd.Flags().Changed("db") {
				cfg.Database = db
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cmd, cfg.LogLevel))
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "directory holding the database")
	cmd.Flags().StringVar(&db, "db", "db", "database name")
	cmd.Flags().IntVar(&port, "port", defaultPort, "port to listen on")
	return cmd
}

func newLogger(cmd *cobra.Command, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()}).Level(lvl).With().Timestamp().Logger()
}

func serve(ctx context.Context, cfg *Config, log zerolog.Logger) error {
	opt, err := cfg.dbOptions()
	if err != nil {
		return err
	}
	opt.Logger = &log
	db, err := syncdb.Open(cfg.Database, opt)
	if err != nil {
		return err
	}
	defer db.Close()

	var colls []*syncdb.Collection
	for _, full := range cfg.Collections {
		scope, name, found := strings.Cut(full, ".")
		if !found {
			scope, name = syncdb.DefaultScopeName, full
		}
		c, err := db.CreateCollection(name, scope)
		if err != nil {
			return err
		}
		colls = append(colls, c)
	}

	users, err := cfg.userStore()
	if err != nil {
		return err
	}
	lcfg := listener.Config{
		Database:         db,
		Collections:      colls,
		Port:             cfg.Port,
		NetworkInterface: cfg.NetworkInterface,
		Users:            users,
		ReadOnly:         cfg.ReadOnly,
		Logger:           &log,
	}
	if cfg.TLS != nil {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		lcfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	l, err := listener.New(lcfg)
	if err != nil {
		return err
	}
	if err := l.Start(); err != nil {
		return err
	}
	log.Info().Stringer("url", l.URL()).Int("users", len(cfg.Users)).Msg("syncdbd: serving")
	<-ctx.Done()
	l.Stop()
	return nil
}

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users stored in the configuration file",
	}
	cmd.AddCommand(newUserAddCommand(opts))
	cmd.AddCommand(newUserRemoveCommand(opts))
	cmd.AddCommand(newUserListCommand(opts))
	return cmd
}

func newUserAddCommand(opts *rootOptions) *cobra.Command {
	var (
		password string
		channels []string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a user or replace its password and channels",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			// Validates and normalizes the name the way the listener will.
			store := listener.NewUserStore()
			if err := store.AddUser(args[0], password, channels); err != nil {
				return err
			}
			u, _ := store.User(args[0])
			cfg.setUser(UserConfig{Name: u.Name, Channels: u.Channels, Password: u.Password})
			if err := saveConfig(opts.ConfigPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %s saved\n", u.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password")
	cmd.Flags().StringSliceVar(&channels, "channel", nil, "channel the user can see (repeatable; * for all)")
	return cmd
}

func newUserRemoveCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			if !cfg.removeUser(args[0]) {
				return fmt.Errorf("no user %q", args[0])
			}
			return saveConfig(opts.ConfigPath, cfg)
		},
	}
}

func newUserListCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users and their channels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.ConfigPath)
			if err != nil {
				return err
			}
			for _, u := range cfg.Users {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", u.Name, strings.Join(u.Channels, ","))
			}
			return nil
		},
	}
}
