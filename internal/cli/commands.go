package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/hongminglow/edu-session/internal/authapi"
	"github.com/hongminglow/edu-session/internal/models"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow)
	keyColor  = color.New(color.FgCyan)
)

func (a *app) newLoginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := a.manager.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			okColor.Fprint(cmd.OutOrStdout(), "Logged in")
			fmt.Fprintf(cmd.OutOrStdout(), " as %s (%s)\n", displayName(user, email), a.manager.Role(cmd.Context()))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func (a *app) newRegisterCmd() *cobra.Command {
	var req models.RegisterRequest
	var fields map[string]string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account (does not sign in)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(fields) > 0 {
				req.Fields = make(map[string]any, len(fields))
				for k, v := range fields {
					req.Fields[k] = v
				}
			}
			resp, err := a.manager.Register(cmd.Context(), req.Payload())
			if err != nil {
				return err
			}
			okColor.Fprint(cmd.OutOrStdout(), "Registered")
			fmt.Fprintf(cmd.OutOrStdout(), " %s\n", displayName(resp.User, req.Email))
			warnColor.Fprintln(cmd.OutOrStdout(), "Run `sessionctl login` to start a session.")
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "account email")
	cmd.Flags().StringVar(&req.Password, "password", "", "account password")
	cmd.Flags().StringVar(&req.Username, "username", "", "username (backend defaults to the email local part)")
	cmd.Flags().StringVar(&req.FirstName, "first-name", "", "first name")
	cmd.Flags().StringVar(&req.LastName, "last-name", "", "last name")
	cmd.Flags().StringVar(&req.Role, "role", "", "student, parent, corporate_partner or admin")
	cmd.Flags().StringToStringVar(&fields, "field", nil, "extra registration field as key=value (repeatable)")
	return cmd
}

func (a *app) newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.manager.Logout(cmd.Context())
			okColor.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

type whoamiOutput struct {
	Authenticated   bool             `json:"is_authenticated"`
	Role            string           `json:"role,omitempty"`
	User            *models.AuthUser `json:"user"`
	AccessExpires   *time.Time       `json:"access_token_expires_at,omitempty"`
	HasRefreshToken bool             `json:"has_refresh_token"`
}

func (a *app) newWhoamiCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := a.manager.Snapshot(cmd.Context())
			out := whoamiOutput{
				Authenticated:   st.IsAuthenticated,
				Role:            st.Role,
				User:            st.User,
				HasRefreshToken: st.RefreshToken != "",
			}
			if exp, ok := a.manager.AccessTokenExpiry(); ok {
				out.AccessExpires = &exp
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), out)
			}
			return printWhoami(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printWhoami(w io.Writer, out whoamiOutput) error {
	if !out.Authenticated {
		warnColor.Fprintln(w, "Not logged in.")
		if out.Role != "" {
			fmt.Fprintf(w, "Last known role: %s\n", out.Role)
		}
		return nil
	}
	row := func(k, v string) {
		keyColor.Fprintf(w, "%-10s", k)
		fmt.Fprintln(w, v)
	}
	if out.User.ID != nil {
		row("id", fmt.Sprint(*out.User.ID))
	}
	if out.User.Email != "" {
		row("email", out.User.Email)
	}
	row("role", out.Role)
	if out.User.ProfileID != nil {
		row("profile", fmt.Sprint(*out.User.ProfileID))
	}
	if out.AccessExpires != nil {
		row("expires", out.AccessExpires.Local().Format(time.RFC3339))
	}
	return nil
}

func (a *app) newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.manager.Refresh(cmd.Context()); err != nil {
				return err
			}
			okColor.Fprintln(cmd.OutOrStdout(), "Access token refreshed.")
			return nil
		},
	}
}

func (a *app) newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Ask the backend whether the access token is still valid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.manager.Verify(cmd.Context()); err != nil {
				return err
			}
			okColor.Fprintln(cmd.OutOrStdout(), "Token is valid.")
			return nil
		},
	}
}

func (a *app) newMeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Fetch the current user from the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var user models.AuthUser
			if err := a.manager.Fetch(cmd.Context(), http.MethodGet, authapi.PathCurrentUser, nil, &user); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), user)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func displayName(u *models.AuthUser, fallback string) string {
	if u == nil {
		return fallback
	}
	if u.Email != "" {
		return u.Email
	}
	if u.Username != "" {
		return u.Username
	}
	return fallback
}
