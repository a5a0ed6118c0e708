package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var channelsCreatePrivate bool

func init() {
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.AddCommand(channelsListCmd)
	channelsCmd.AddCommand(channelsCreateCmd)
	channelsCmd.AddCommand(channelsJoinCmd)
	channelsCmd.AddCommand(channelsLeaveCmd)
	channelsCmd.AddCommand(channelsDeleteCmd)
	channelsCmd.AddCommand(channelsMembersCmd)
	channelsCmd.AddCommand(channelsInviteCmd)
	channelsCmd.AddCommand(channelsKickCmd)
	channelsCmd.AddCommand(channelsRevokeCmd)

	rootCmd.AddCommand(invitesCmd)
	invitesCmd.AddCommand(invitesListCmd)
	invitesCmd.AddCommand(invitesAcceptCmd)
	invitesCmd.AddCommand(invitesRejectCmd)

	channelsCreateCmd.Flags().BoolVar(&channelsCreatePrivate, "private", false, "Create an invite-only channel")
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}

// ============================================================================
// channels
// ============================================================================

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage channels",
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		channels, err := client.Channels().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(channels) == 0 {
			fmt.Println("No channels.")
			return nil
		}
		for _, ch := range channels {
			visibility := "public"
			if ch.IsPrivate {
				visibility = "private"
			}
			fmt.Printf("%6d  #%-20s %s\n", ch.ID, ch.Name, visibility)
		}
		return nil
	},
}

var channelsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ch, err := client.Channels().Create(ctx, args[0], channelsCreatePrivate)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Created #%s (id %d)\n", ch.Name, ch.ID)
		return nil
	},
}

var channelsJoinCmd = &cobra.Command{
	Use:   "join <name>",
	Short: "Join a public channel, creating it if missing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ch, err := client.Channels().Join(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Joined #%s (id %d)\n", ch.Name, ch.ID)
		return nil
	},
}

var channelsLeaveCmd = &cobra.Command{
	Use:   "leave <channel-id>",
	Short: "Leave a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "channel")
		if err != nil {
			return err
		}
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Channels().Leave(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Left channel.")
		return nil
	},
}

var channelsDeleteCmd = &cobra.Command{
	Use:   "delete <channel-id>",
	Short: "Delete a channel you administer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "channel")
		if err != nil {
			return err
		}
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Channels().Delete(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Channel deleted.")
		return nil
	},
}

var channelsMembersCmd = &cobra.Command{
	Use:   "members <channel-id>",
	Short: "List a channel's members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "channel")
		if err != nil {
			return err
		}
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		members, err := client.Channels().Members(ctx, id)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(members) == 0 {
			fmt.Println("No members.")
			return nil
		}
		for _, m := range members {
			fmt.Printf("%6d  %-20s %s\n", m.UserID, m.Nickname, m.Status)
		}
		return nil
	},
}

var channelsInviteCmd = &cobra.Command{
	Use:   "invite <channel-id> <nickname>",
	Short: "Invite a user to a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "channel")
		if err != nil {
			return err
		}
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Channels().Invite(ctx, id, args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Invited %s.\n", args[1])
		return nil
	},
}

var channelsKickCmd = &cobra.Command{
	Use:   "kick <channel-id> <nickname>",
	Short: "Vote to kick a user from a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "channel")
		if err != nil {
			return err
		}
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Channels().Kick(ctx, id, args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Kick recorded for %s.\n", args[1])
		return nil
	},
}

var channelsRevokeCmd = &cobra.Command{
	Use:   "revoke <channel-id> <nickname>",
	Short: "Revoke a user's channel membership (admin only)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "channel")
		if err != nil {
			return err
		}
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Channels().Revoke(ctx, id, args[1]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Revoked %s.\n", args[1])
		return nil
	},
}

// ============================================================================
// invites
// ============================================================================

var invitesCmd = &cobra.Command{
	Use:   "invites",
	Short: "Manage pending channel invitations",
}

var invitesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending invitations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		invites, err := client.Invites().List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(invites) == 0 {
			fmt.Println("No pending invitations.")
			return nil
		}
		for _, inv := range invites {
			fmt.Printf("%6d  #%-20s from %s\n", inv.ID, inv.ChannelName, inv.FromNickname)
		}
		return nil
	},
}

var invitesAcceptCmd = &cobra.Command{
	Use:   "accept <invite-id>",
	Short: "Accept an invitation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "invite")
		if err != nil {
			return err
		}
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		ch, err := client.Invites().Accept(ctx, id)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if ch != nil {
			fmt.Printf("Joined #%s.\n", ch.Name)
		} else {
			fmt.Println("Invitation accepted.")
		}
		return nil
	},
}

var invitesRejectCmd = &cobra.Command{
	Use:   "reject <invite-id>",
	Short: "Reject an invitation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "invite")
		if err != nil {
			return err
		}
		client := getAuthedClient()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Invites().Reject(ctx, id); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Invitation rejected.")
		return nil
	},
}
