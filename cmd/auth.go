package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-capture/client"
	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/credentials"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// TokenEnvVar overrides the keyring session, for scripted use.
const TokenEnvVar = "PENF_TOKEN"

// Auth command flags.
var (
	authVerify       bool
	authOutputFormat string
)

// NewAuthCommand creates the auth command group.
func NewAuthCommand(deps *CommandDeps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Inspect or clear the desktop session",
		Long: `Inspect or clear the session the agent uses to call the backend.

Sign-in happens in the desktop app, which stores the session in the system
keyring (macOS Keychain, Windows Credential Manager, Linux Secret Service).
When PENF_TOKEN is set it is used instead of the stored session.

Without a session the agent still records locally; backend calls are skipped.`,
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the current session",
		Long: `Show whether a session is stored and when it expires.

Examples:
  penf-capture auth status
  penf-capture auth status --verify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthStatus(cmd.Context(), cmd.OutOrStdout(), deps)
		},
	}
	status.Flags().BoolVar(&authVerify, "verify", false, "Check the token against the backend")
	status.Flags().StringVarP(&authOutputFormat, "output", "o", "", "Output format: text, json, yaml")

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		Long: `Remove the stored session from the system keyring.

The PENF_TOKEN environment variable is not affected.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthLogout(cmd.OutOrStdout(), deps)
		},
	}

	cmd.AddCommand(status, logout)
	return cmd
}

// AuthStatus is the output of auth status.
type AuthStatus struct {
	SignedIn   bool       `json:"signed_in" yaml:"signed_in"`
	Source     string     `json:"source" yaml:"source"`
	Token      string     `json:"token,omitempty" yaml:"token,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
	Expired    bool       `json:"expired" yaml:"expired"`
	CanRefresh bool       `json:"can_refresh" yaml:"can_refresh"`
	Verified   *bool      `json:"verified,omitempty" yaml:"verified,omitempty"`
	AccountID  string     `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	ProjectID  string     `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	VerifyErr  string     `json:"verify_error,omitempty" yaml:"verify_error,omitempty"`
}

// maskToken shows only the ends of a token.
func maskToken(tok string) string {
	if len(tok) <= 12 {
		return "****"
	}
	return tok[:6] + "..." + tok[len(tok)-4:]
}

// tokenSource builds the token chain the agent uses.
func tokenSource(cfg *config.CaptureConfig, store *credentials.Store) credentials.TokenSource {
	return credentials.Chain{
		credentials.EnvSource{Var: TokenEnvVar},
		credentials.NewKeyringSource(store, credentials.RefreshConfig{
			TokenURL: cfg.Auth.TokenURL,
			ClientID: cfg.Auth.ClientID,
		}),
	}
}

func runAuthStatus(ctx context.Context, w io.Writer, deps *CommandDeps) error {
	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	format, err := resolveFormat(cfg, authOutputFormat)
	if err != nil {
		return err
	}
	store := deps.Credentials()

	st := AuthStatus{Source: "none"}
	if tok := os.Getenv(TokenEnvVar); tok != "" {
		st.SignedIn = true
		st.Source = "environment"
		st.Token = maskToken(tok)
	} else {
		sess, err := store.Load()
		switch {
		case errors.Is(err, credentials.ErrNoSession):
		case errors.Is(err, credentials.ErrInvalidSession):
			st.Source = "keyring (invalid)"
		case err != nil:
			return fmt.Errorf("reading session: %w", err)
		default:
			st.Source = "keyring"
			st.Token = maskToken(sess.AccessToken)
			st.CanRefresh = sess.RefreshToken != "" && cfg.Auth.TokenURL != ""
			st.Expired = sess.Expired(time.Now())
			st.SignedIn = !st.Expired || st.CanRefresh
			if !sess.ExpiresAt.IsZero() {
				exp := sess.ExpiresAt
				st.ExpiresAt = &exp
			}
		}
	}

	if authVerify && st.SignedIn {
		c := client.New(client.Config{BaseURL: cfg.APIURL, Timeout: cfg.Timeout}, tokenSource(cfg, store), logging.NewNopLogger(), nil)
		uc, err := c.UserContext(ctx)
		ok := err == nil
		st.Verified = &ok
		if ok {
			st.AccountID = uc.DefaultAccountID
			st.ProjectID = uc.DefaultProjectID
		} else {
			st.VerifyErr = err.Error()
		}
	}

	if format != config.OutputFormatText {
		return writeStructured(w, format, st)
	}

	if !st.SignedIn {
		fmt.Fprintln(w, "Not signed in. Sign in from the desktop app; meetings are still recorded locally.")
		if st.Source != "none" {
			fmt.Fprintf(w, "  Source:  %s\n", st.Source)
		}
		return nil
	}
	fmt.Fprintln(w, "Signed in")
	fmt.Fprintf(w, "  Source:  %s\n", st.Source)
	fmt.Fprintf(w, "  Token:   %s\n", st.Token)
	if st.ExpiresAt != nil {
		state := "valid"
		if st.Expired {
			state = "expired, will refresh"
		}
		fmt.Fprintf(w, "  Expires: %s (%s)\n", st.ExpiresAt.Local().Format(time.RFC1123), state)
	}
	if st.Verified != nil {
		if *st.Verified {
			fmt.Fprintf(w, "  Backend: ok (account %s, project %s)\n", st.AccountID, st.ProjectID)
		} else {
			fmt.Fprintf(w, "  Backend: failed: %s\n", st.VerifyErr)
		}
	}
	return nil
}

func runAuthLogout(w io.Writer, deps *CommandDeps) error {
	if err := deps.Credentials().Clear(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	fmt.Fprintln(w, "Signed out.")
	if os.Getenv(TokenEnvVar) != "" {
		fmt.Fprintf(w, "Note: %s is still set and will be used.\n", TokenEnvVar)
	}
	return nil
}
