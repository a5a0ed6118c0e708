package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	chirp "github.com/chirpchat/chirp-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	registerFirstname string
	registerLastname  string
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	registerCmd.Flags().StringVar(&registerFirstname, "firstname", "", "First name")
	registerCmd.Flags().StringVar(&registerLastname, "lastname", "", "Last name")
}

// promptLine reads one line from stdin after printing a prompt.
func promptLine(prompt string) (string, error) {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// storeSession persists the authenticated session to the config file.
func storeSession(resp *chirp.AuthResponse) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth.Token = resp.Token
	cfg.Auth.UserID = resp.User.ID
	cfg.Auth.Nickname = resp.User.Nickname
	return saveConfig(cfg)
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email := args[0]
		password, err := promptLine("Password: ")
		if err != nil {
			return err
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		resp, err := client.Auth().Login(ctx, &chirp.LoginRequest{
			Email:    email,
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := storeSession(resp); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}

		fmt.Printf("Logged in as %s (id %d)\n", resp.User.Nickname, resp.User.ID)
		return nil
	},
}

// ============================================================================
// register
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register <email> <nickname>",
	Short: "Create an account and store the session token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, nickname := args[0], args[1]
		password, err := promptLine("Password: ")
		if err != nil {
			return err
		}

		client := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		resp, err := client.Auth().Register(ctx, &chirp.RegisterRequest{
			Email:     email,
			Password:  password,
			Nickname:  nickname,
			Firstname: registerFirstname,
			Lastname:  registerLastname,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
		if err := storeSession(resp); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}

		fmt.Printf("Registered as %s (id %d)\n", resp.User.Nickname, resp.User.ID)
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and clear the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}

		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// The local session is cleared even if the server call fails.
		if err := client.Auth().Logout(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: server logout failed: %v\n", err)
		}

		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to clear session: %w", err)
		}
		fmt.Println("Logged out.")
		return nil
	},
}

// ============================================================================
// whoami
// ============================================================================

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.Token == "" {
			fmt.Println("Not logged in.")
			return nil
		}

		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		resp, err := client.Auth().Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		u := resp.User
		fmt.Printf("Nickname: %s\n", u.Nickname)
		fmt.Printf("Email:    %s\n", u.Email)
		fmt.Printf("Status:   %s\n", u.StatusOrDefault())
		if exp := tokenExpiry(cfg.Auth.Token); !exp.IsZero() {
			fmt.Printf("Token expires: %s\n", exp.Local().Format(time.RFC1123))
		}
		return nil
	},
}

// tokenExpiry extracts the expiry claim from the stored JWT without
// verifying the signature; the server remains the authority on validity.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
