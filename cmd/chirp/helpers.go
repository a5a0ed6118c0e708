package main

import (
	"fmt"
	"os"

	chirp "github.com/chirpchat/chirp-go"
)

// getClient creates an unauthenticated client from config.
func getClient() *chirp.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []chirp.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chirp.WithBaseURL(cfg.Default.BaseURL))
	}
	return chirp.NewClient(opts...)
}

// getAuthedClient creates a client authenticated with the saved token.
func getAuthedClient() *chirp.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'chirp login' first.")
		os.Exit(1)
	}

	opts := []chirp.ClientOption{chirp.WithToken(cfg.Auth.Token)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chirp.WithBaseURL(cfg.Default.BaseURL))
	}
	return chirp.NewClient(opts...)
}
