package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/PavelYadrov/qubership-zookeeper/auth"
	"github.com/PavelYadrov/qubership-zookeeper/backup"
	"github.com/PavelYadrov/qubership-zookeeper/config"
	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/ensemble"
	"github.com/PavelYadrov/qubership-zookeeper/hooks"
	"github.com/PavelYadrov/qubership-zookeeper/hooks/listeners"
	"github.com/PavelYadrov/qubership-zookeeper/server"
	"github.com/PavelYadrov/qubership-zookeeper/txnlog"
	"github.com/PavelYadrov/qubership-zookeeper/znode"
)

func (a *app) connector() (*ensemble.ZKConnector, error) {
	e := a.cfg.Ensemble
	return ensemble.NewZKConnector(ensemble.Options{
		Host:           e.Host,
		Port:           e.Port,
		SessionTimeout: config.ParseDuration(e.SessionTimeout, ensemble.DefaultSessionTimeout, a.logger),
		ConnectTimeout: config.ParseDuration(e.ConnectTimeout, ensemble.DefaultConnectTimeout, a.logger),
		CommandTimeout: config.ParseDuration(e.CommandTimeout, ensemble.DefaultCommandTimeout, a.logger),
		Username:       e.Username,
		Password:       e.Password,
		TLS: ensemble.TLSOptions{
			Enabled:  e.TLS.Enabled,
			CAFile:   e.TLS.CAFile,
			CertFile: e.TLS.CertFile,
			KeyFile:  e.TLS.KeyFile,
		},
	}, a.logger)
}

// newService wires the orchestrator from the loaded configuration. The
// returned hook manager must be stopped once the operation is done.
func (a *app) newService() (*backup.Service, hooks.HookManager, error) {
	connector, err := a.connector()
	if err != nil {
		return nil, nil, err
	}
	compression, err := znode.ParseCompression(a.cfg.Backup.Compression)
	if err != nil {
		return nil, nil, err
	}

	manager := hooks.NewHookManager(a.logger)
	manager.Register(hooks.EventPostLogFilter, listeners.NewFilterAlerterListener(a.logger))
	if a.cfg.Backup.JournalFile != "" {
		journal := listeners.NewJournalListener(a.cfg.Backup.JournalFile, a.logger)
		manager.Register(hooks.EventPostBackup, journal)
		manager.Register(hooks.EventPostRestore, journal)
	}

	var restarter backup.Restarter
	if len(a.cfg.Backup.RestartCommand) > 0 {
		cr, err := backup.NewCommandRestarter(a.cfg.Backup.RestartCommand, a.logger)
		if err != nil {
			return nil, nil, err
		}
		restarter = cr
	}

	b := a.cfg.Backup
	svc := backup.NewService(connector, backup.Options{
		Host:          a.cfg.Ensemble.Host,
		TmpDir:        b.TmpDir,
		RecoverDir:    b.RecoverDir,
		StorePort:     b.StorePort,
		StoreUsername: b.StoreUsername,
		StorePassword: b.StorePassword,
		SharedStorage: a.cfg.SharedStorage(),
		Compression:   compression,
		LockTimeout:   config.ParseDuration(b.LockTimeout, backup.DefaultLockTimeout, a.logger),
		Restarter:     restarter,
		Hooks:         manager,
		Tracer:        a.tp.Tracer("zkbackup"),
		Logger:        a.logger,
	})
	return svc, manager, nil
}

func (a *app) storageDir(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return a.cfg.Backup.StorageDir
}

func newBackupCmd(a *app) *cobra.Command {
	var mode string
	var znodes []string
	cmd := &cobra.Command{
		Use:   "backup [storage-dir]",
		Short: "Capture the ensemble into a storage directory",
		Long: `Capture the ensemble into a storage directory.

A transactional backup copies the leader's latest snapshot and the
transaction logs that follow it, without session records. It needs storage
shared with the ensemble members. A hierarchical backup walks the live
znode tree, optionally limited to --znodes, into znodes.zip.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, manager, err := a.newService()
			if err != nil {
				return err
			}
			defer manager.Stop()

			res, err := svc.Backup(cmd.Context(), backup.ParseMode(mode), a.storageDir(args), znodes)
			if err != nil {
				return err
			}
			printBackup(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(backup.ModeHierarchical), "Backup mode: transactional or hierarchical")
	cmd.Flags().StringSliceVar(&znodes, "znodes", nil, "Znode subtrees to back up (hierarchical mode only)")
	return cmd
}

func printBackup(w io.Writer, res *backup.BackupResult) {
	fmt.Fprintf(w, "%s backup stored in %s (%s)\n", res.Mode, res.StorageDir, humanize.Bytes(uint64(res.Size)))
	for _, name := range res.Files {
		fmt.Fprintf(w, "  %s\n", name)
	}
	for _, lr := range res.Logs {
		if lr.Err != nil {
			fmt.Fprintf(w, "  warning: %s truncated after %d transactions: %v\n", lr.File, lr.Kept, lr.Err)
		}
	}
	if res.Archive != nil && res.Archive.Failed > 0 {
		fmt.Fprintf(w, "  warning: %d znodes could not be read\n", res.Archive.Failed)
	}
}

func newRestoreCmd(a *app) *cobra.Command {
	var znodes []string
	cmd := &cobra.Command{
		Use:   "restore [storage-dir]",
		Short: "Restore a backup from a storage directory",
		Long: `Restore a backup from a storage directory.

The mode is detected from the files present. A transactional restore places
the stored files into the recover directory and runs the restart command.
A hierarchical restore recreates the archived znodes, optionally limited
to --znodes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, manager, err := a.newService()
			if err != nil {
				return err
			}
			defer manager.Stop()

			res, err := svc.Restore(cmd.Context(), a.storageDir(args), znodes)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Znodes != nil {
				fmt.Fprintf(out, "%s restore: %d znodes restored, %d failed\n", res.Mode, res.Znodes.Restored, res.Znodes.Failed)
			} else {
				fmt.Fprintf(out, "%s restore: %d files placed for recovery\n", res.Mode, len(res.Files))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&znodes, "znodes", nil, "Znode subtrees to restore (hierarchical mode only)")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the store side-car next to an ensemble member",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var authenticator core.IAuthenticator
			if a.cfg.Security.Enabled {
				au, err := auth.NewAuthenticator(a.cfg.Security.UserFilePath, a.logger)
				if err != nil {
					return err
				}
				authenticator = au
			}
			srv := server.NewStoreServer(a.cfg.Server, authenticator, a.logger)

			var debug *server.DebugServer
			if a.cfg.Server.DebugAddress != "" {
				d, err := server.NewDebugServer(a.cfg.Server.DebugAddress, a.logger)
				if err != nil {
					return err
				}
				debug = d
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(srv.ListenAndServe)
			if debug != nil {
				g.Go(debug.ListenAndServe)
			}
			g.Go(func() error {
				<-ctx.Done()
				a.logger.Info("Shutdown signal received.")
				shutdownCtx, cancel := context.WithTimeout(context.Background(),
					config.ParseDuration(a.cfg.Server.ShutdownTimeout, server.DefaultShutdownTimeout, a.logger))
				defer cancel()
				if debug != nil {
					if err := debug.Shutdown(shutdownCtx); err != nil {
						a.logger.Warn("Debug server shutdown failed.", "error", err)
					}
				}
				return srv.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func newHealthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the ensemble answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			connector, err := a.connector()
			if err != nil {
				return err
			}
			session, err := connector.Connect(cmd.Context(), "")
			if err != nil {
				return err
			}
			defer session.Close()
			children, err := session.Children("/")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s:%d answers, %d top-level znodes\n", a.cfg.Ensemble.Host, a.cfg.Ensemble.Port, len(children))
			return nil
		},
	}
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <log-file>",
		Short: "Print the transactions of a transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return inspectLog(f, cmd.OutOrStdout())
		},
	}
}

// inspectLog prints one line per transaction. Unrecognized operations are
// printed and skipped; any other decode error ends the listing.
func inspectLog(r io.Reader, w io.Writer) error {
	reader := txnlog.NewReader(r)
	header, err := reader.ReadHeader()
	if err != nil {
		return err
	}
	if !header.IsValid() {
		return &core.FormatError{Message: fmt.Sprintf("invalid magic number 0x%x", header.Magic)}
	}
	fmt.Fprintf(w, "ZooKeeper Transactional Log File with dbid %d txnlog format version %d\n", header.DatabaseID, header.Version)

	count := 0
	for {
		tx, err := reader.ReadTransaction()
		if errors.Is(err, txnlog.ErrEndOfStream) {
			break
		}
		if err != nil && (tx == nil || !txnlog.IsUnrecognizedOperation(err)) {
			return err
		}
		line := tx.String()
		if !tx.ChecksumOK() {
			line += " (checksum mismatch)"
		}
		fmt.Fprintln(w, line)
		count++
	}
	fmt.Fprintf(w, "EOF reached after %d txns.\n", count)
	return nil
}

// Replaced in tests.
var (
	isTerminal   = term.IsTerminal
	readPassword = term.ReadPassword
)

// promptPassword reads a password twice from the terminal fd without echo.
func promptPassword(fd int, w io.Writer) (string, error) {
	if !isTerminal(fd) {
		return "", errors.New("--password is required when stdin is not a terminal")
	}
	fmt.Fprint(w, "Enter password: ")
	password, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("error reading password: %w", err)
	}
	fmt.Fprint(w, "Confirm password: ")
	confirm, err := readPassword(fd)
	fmt.Fprintln(w)
	if err != nil {
		return "", fmt.Errorf("error reading password confirmation: %w", err)
	}
	if string(password) != string(confirm) {
		return "", errors.New("passwords do not match")
	}
	if len(password) == 0 {
		return "", errors.New("password is empty")
	}
	return string(password), nil
}

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage store side-car users",
	}

	var password, role, hashType string
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Add or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				p, err := promptPassword(int(os.Stdin.Fd()), cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				password = p
			}
			ht, err := auth.ParseHashType(hashType)
			if err != nil {
				return err
			}
			if err := auth.PutUser(a.cfg.Security.UserFilePath, args[0], password, role, ht); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %q saved with role %q.\n", args[0], role)
			return nil
		},
	}
	add.Flags().StringVar(&password, "password", "", "Password of the user, prompted for on a terminal when empty")
	add.Flags().StringVar(&role, "role", auth.RoleReader, "Role of the user: reader or writer")
	add.Flags().StringVar(&hashType, "hash-type", "bcrypt", "Hash type for a new user file: bcrypt, sha256 or sha512")

	list := &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			users, _, err := auth.ReadUserFile(a.cfg.Security.UserFilePath)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(users))
			for name := range users {
				names = append(names, name)
			}
			sort.Strings(names)
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Username", "Role")
			for _, name := range names {
				if err := table.Append([]string{name, users[name].Role}); err != nil {
					return err
				}
			}
			return table.Render()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
