package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"

	"github.com/palminsight/palminsight/authstate"
	"github.com/palminsight/palminsight/config"
	"github.com/palminsight/palminsight/flow"
	"github.com/palminsight/palminsight/logger"
	"github.com/palminsight/palminsight/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// cliDeviceID names the single device of a terminal session.
const cliDeviceID = "cli"

var (
	statePath string
	email     string
	password  string
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Run auth flows from the terminal",
	Long: `The auth commands act on one device whose state (session, code
verifier, reset flags) is kept in a local file, so a flow started by one
command can be finished by another. Paste the link from a confirmation or
reset email into "auth callback".`,
}

func init() {
	authCmd.PersistentFlags().StringVar(&statePath, "state", "", "State file (default storage.file_path)")

	for _, c := range []*cobra.Command{authLoginCmd, authSignupCmd, authResetCmd} {
		c.Flags().StringVar(&email, "email", "", "Email address")
		_ = c.MarkFlagRequired("email")
	}
	for _, c := range []*cobra.Command{authLoginCmd, authSignupCmd, authUpdatePasswordCmd} {
		c.Flags().StringVar(&password, "password", "", "Password (or PALMINSIGHT_PASSWORD)")
	}

	authCmd.AddCommand(authLoginCmd, authSignupCmd, authLogoutCmd, authResetCmd,
		authUpdatePasswordCmd, authCallbackCmd, authStatusCmd, authOAuthCmd)
}

// cliSession is a device bound to the local state file.
type cliSession struct {
	cfg    *config.Config
	device *authstate.Device
	log    *zap.Logger
	out    io.Writer
}

func openSession(cmd *cobra.Command) (*cliSession, error) {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	p, err := newProvider(cmd.Context(), cfg, log)
	if err != nil {
		return nil, err
	}
	file := statePath
	if file == "" {
		file = cfg.Storage.FilePath
	}
	d, err := authstate.NewDevice(cliDeviceID, storage.NewFile(file), p.Factory, deviceConfig(cfg, log))
	if err != nil {
		return nil, err
	}
	log.Debug("Opened CLI device", zap.String("state", file))
	return &cliSession{cfg: cfg, device: d, log: log, out: cmd.OutOrStdout()}, nil
}

func (s *cliSession) close() {
	s.device.Store.Close()
	_ = logger.Sync()
}

func (s *cliSession) printState(st authstate.State) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

func passwordValue() (string, error) {
	if password != "" {
		return password, nil
	}
	if p := os.Getenv("PALMINSIGHT_PASSWORD"); p != "" {
		return p, nil
	}
	return "", errors.New("a password is required: pass --password or set PALMINSIGHT_PASSWORD")
}

// withSession opens the CLI device, runs fn and closes it again.
func withSession(fn func(ctx context.Context, s *cliSession, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()
		return fn(cmd.Context(), s, args)
	}
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *cliSession, _ []string) error {
		pw, err := passwordValue()
		if err != nil {
			return err
		}
		st, err := s.device.Store.SignIn(ctx, email, pw)
		if err != nil {
			return err
		}
		return s.printState(st)
	}),
}

var authSignupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an account",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *cliSession, _ []string) error {
		pw, err := passwordValue()
		if err != nil {
			return err
		}
		if _, err := s.device.Store.SignUp(ctx, email, pw, callbackURL(s.cfg)); err != nil {
			return err
		}
		if !s.device.Store.State().IsAuthenticated {
			fmt.Fprintln(s.out, "Check your email and pass the confirmation link to \"palminsight auth callback\".")
			return nil
		}
		return s.printState(s.device.Store.State())
	}),
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and forget the stored session",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *cliSession, _ []string) error {
		return s.device.Store.SignOut(ctx)
	}),
}

var authResetCmd = &cobra.Command{
	Use:   "reset-password",
	Short: "Send a password reset email",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *cliSession, _ []string) error {
		redirectTo := s.cfg.Server.PublicURL + s.cfg.Routes.ResetPassword
		if err := s.device.Store.RequestPasswordReset(ctx, email, redirectTo); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "Reset link sent. Pass it to \"palminsight auth callback\", then run \"palminsight auth update-password\".")
		return nil
	}),
}

var authUpdatePasswordCmd = &cobra.Command{
	Use:   "update-password",
	Short: "Set a new password for the signed-in user",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *cliSession, _ []string) error {
		pw, err := passwordValue()
		if err != nil {
			return err
		}
		if _, err := s.device.Store.CheckSession(ctx); err != nil {
			return err
		}
		st, err := s.device.Store.UpdatePassword(ctx, pw)
		if err != nil {
			return err
		}
		return s.printState(st)
	}),
}

var authCallbackCmd = &cobra.Command{
	Use:   "callback <url>",
	Short: "Finish a redirect flow from the link a provider sent",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *cliSession, args []string) error {
		u, err := url.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parse link: %w", err)
		}
		out := s.device.Machine.Run(ctx, u)
		if out.State != flow.StateAuthenticated {
			return fmt.Errorf("%s (next: %s)", out.Message, out.Action)
		}
		fmt.Fprintf(s.out, "Signed in; continue at %s\n", out.Route)
		return nil
	}),
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	Args:  cobra.NoArgs,
	RunE: withSession(func(ctx context.Context, s *cliSession, _ []string) error {
		st, err := s.device.Store.CheckSession(ctx)
		if err != nil {
			s.log.Warn("Session check failed", zap.Error(err))
		}
		flags := s.device.Repo.ResetFlags(ctx)
		if err := s.printState(st); err != nil {
			return err
		}
		if flags.Active() {
			fmt.Fprintln(s.out, "A password reset is in progress.")
		}
		return nil
	}),
}

var authOAuthCmd = &cobra.Command{
	Use:   "oauth <provider>",
	Short: "Print the authorization URL of an OAuth provider",
	Args:  cobra.ExactArgs(1),
	RunE: withSession(func(ctx context.Context, s *cliSession, args []string) error {
		target, err := s.device.Store.SignInWithOAuth(ctx, args[0], callbackURL(s.cfg))
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, target)
		return nil
	}),
}
