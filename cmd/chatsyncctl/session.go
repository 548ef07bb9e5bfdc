package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

var (
	loginID     string
	loginPhone  string
	profileName string
	profileTag  string
)

func init() {
	loginCmd.Flags().StringVar(&loginID, "id", "", "user id")
	loginCmd.Flags().StringVar(&loginPhone, "phone", "", "phone number")
	profileCmd.Flags().StringVar(&profileName, "name", "", "display name")
	profileCmd.Flags().StringVar(&profileTag, "tagline", "", "tagline")

	rootCmd.AddCommand(statusCmd, signupCmd, loginCmd, verifyCmd, profileCmd, pushKeyCmd, logoutCmd, sessionsCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(st)
				return nil
			}
			fmt.Printf("Session:  %s\n", st.Session)
			fmt.Printf("State:    %s (since %s)\n", st.State, formatTime(st.StateSinceMs))
			fmt.Printf("Uptime:   %s\n", (time.Duration(st.UptimeMs) * time.Millisecond).Round(time.Second))
			if st.Authenticated && st.User != nil {
				fmt.Printf("User:     %s (%s)\n", valueOr(st.User.Name, "(no name)"), st.User.Phone)
			} else {
				fmt.Println("User:     (signed out)")
			}
			fmt.Printf("Contacts: %d\n", st.Contacts)
			fmt.Printf("Queued:   %d\n", st.QueueLen)
			return nil
		})
	},
}

var signupCmd = &cobra.Command{
	Use:   "signup <phone>",
	Short: "Register a new account and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			u, err := c.Signup(ctx, args[0])
			if err != nil {
				return err
			}
			printUser("Signed up", u)
			return nil
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to an existing account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginID == "" && loginPhone == "" {
			return fmt.Errorf("one of --id or --phone is required")
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			u, err := c.Login(ctx, loginID, loginPhone)
			if err != nil {
				return err
			}
			printUser("Signed in", u)
			return nil
		})
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <code>",
	Short: "Submit the verification code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			ok, err := c.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]bool{"verified": ok})
				return nil
			}
			if !ok {
				return fmt.Errorf("verification code rejected")
			}
			fmt.Println("Verified.")
			return nil
		})
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Update the display name and tagline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			u, err := c.UpdateProfile(ctx, profileName, profileTag)
			if err != nil {
				return err
			}
			printUser("Profile updated", u)
			return nil
		})
	},
}

var pushKeyCmd = &cobra.Command{
	Use:   "push-key <key>",
	Short: "Register the push notification key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.UpdatePushKey(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println("Push key updated.")
			return nil
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and close the realtime channel",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			if err := c.Logout(ctx); err != nil {
				return err
			}
			fmt.Println("Signed out.")
			return nil
		})
	},
}

type sessionInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Program string `json:"program,omitempty"`
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions and whether a daemon holds them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := session.List()
		if err != nil {
			return err
		}
		infos := make([]sessionInfo, 0, len(names))
		for _, name := range names {
			owner, err := lock.Probe(session.Dir(name))
			if err != nil {
				return fmt.Errorf("probe %s: %w", name, err)
			}
			info := sessionInfo{Name: name}
			if owner != nil {
				info.Running, info.PID, info.Program = true, owner.PID, owner.Program
			}
			infos = append(infos, info)
		}
		if jsonOutput {
			outputJSON(infos)
			return nil
		}
		if len(infos) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, s := range infos {
			state := "stopped"
			if s.Running {
				state = fmt.Sprintf("running (%s, pid %d)", valueOr(s.Program, "?"), s.PID)
			}
			fmt.Printf("%-20s %s\n", s.Name, state)
		}
		return nil
	},
}

func printUser(title string, u *model.Contact) {
	if jsonOutput {
		outputJSON(u)
		return
	}
	fmt.Printf("%s.\n", title)
	fmt.Printf("  ID:      %s\n", u.ID)
	fmt.Printf("  Phone:   %s\n", u.Phone)
	fmt.Printf("  Name:    %s\n", valueOr(u.Name, "(not set)"))
	if u.Tagline != "" {
		fmt.Printf("  Tagline: %s\n", u.Tagline)
	}
}
