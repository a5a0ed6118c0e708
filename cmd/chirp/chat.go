package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	chirp "github.com/chirpchat/chirp-go"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

// printAlerter writes alerts to stderr so they never interleave with the
// transcript on stdout.
type printAlerter struct{}

func (printAlerter) Alert(kind chirp.AlertKind, message string) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", kind, message)
}

// openCache returns the persistent message cache under ~/.chirp/cache.
func openCache() *chirp.MessageCache {
	dir, err := configDir()
	if err != nil {
		return chirp.NewMessageCache(chirp.NewMemoryKV(), nil)
	}
	kv, err := chirp.NewFileKV(filepath.Join(dir, "cache"))
	if err != nil {
		return chirp.NewMessageCache(chirp.NewMemoryKV(), nil)
	}
	return chirp.NewMessageCache(kv, nil)
}

var chatCmd = &cobra.Command{
	Use:   "chat <channel-id>",
	Short: "Chat interactively in a channel",
	Long: `Chat interactively in a channel. Lines starting with / are commands:

  /list                 list channel members
  /join <name>          switch to another channel by name
  /invite <nickname>    invite a user to this channel
  /kick <nickname>      vote to kick a user
  /revoke <nickname>    revoke a user's membership (admin only)
  /status <state>       set your status (online, dnd, offline)
  /cancel               leave this channel
  /quit                 delete this channel (admin only)

Anything else is sent as a message.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getAuthedClient()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		meCtx, meCancel := context.WithTimeout(ctx, 15*time.Second)
		me, err := client.Auth().Me(meCtx)
		meCancel()
		if err != nil {
			return fmt.Errorf("session check failed: %w", err)
		}

		session := chirp.NewSession()
		session.Begin(&me.User, client.Token())

		cache := openCache()
		sync := chirp.NewChannelSync(chirp.SyncConfig{
			Session: session,
			History: client.Messages(),
			Sender:  client.Messages(),
			Cache:   cache,
			Alerter: printAlerter{},
		})

		rt := client.Realtime(&chirp.RealtimeConfig{AutoReconnect: true})
		if err := rt.Connect(ctx, client.Token()); err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		defer rt.Disconnect()

		defer sync.Bind(rt)()

		// Print live messages for the open channel as they arrive.
		printIncoming := func(rec chirp.MessageRecord) {
			if strconv.FormatInt(rec.ChannelID, 10) != sync.ChannelID() {
				return
			}
			msg := chirp.NormalizeMessage(&rec, session.UserID())
			printMessage(msg)
		}
		defer rt.OnMessage(printIncoming)()
		defer rt.OnMessageSilent(printIncoming)()

		defer rt.OnTyping(func(ev chirp.TypingEvent) {
			if ev.ChannelID == sync.ChannelID() && ev.Nickname != "" {
				fmt.Fprintf(os.Stderr, "* %s is typing\n", ev.Nickname)
			}
		})()
		defer rt.OnReconnecting(func(attempt int) {
			fmt.Fprintf(os.Stderr, "* reconnecting (attempt %d)\n", attempt)
		})()
		defer rt.OnDisconnected(func(reason string) {
			fmt.Fprintf(os.Stderr, "* disconnected: %s\n", reason)
		})()

		if err := openChannel(ctx, rt, sync, args[0]); err != nil {
			return err
		}

		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				quit, err := runSlashCommand(ctx, client, rt, sync, session, line)
				if err != nil {
					fmt.Fprintf(os.Stderr, "[error] %v\n", err)
				}
				if quit {
					return nil
				}
				continue
			}
			if err := sync.Send(ctx, line); err == nil {
				_ = rt.StopTyping(ctx, sync.ChannelID())
			}
		}
		return scanner.Err()
	},
}

// openChannel joins the channel's live feed and loads its transcript,
// painting the cached tail first.
func openChannel(ctx context.Context, rt *chirp.RealtimeClient, sync *chirp.ChannelSync, channelID string) error {
	if prev := sync.ChannelID(); prev != "" {
		_ = rt.LeaveChannel(ctx, prev)
	}
	if err := sync.Open(ctx, channelID); err != nil {
		return err
	}
	if sync.ChannelID() == "" {
		return fmt.Errorf("invalid channel id %q", channelID)
	}
	_ = rt.JoinChannel(ctx, channelID)

	for _, msg := range sync.Messages() {
		printMessage(msg)
	}
	return nil
}

func printMessage(msg chirp.Message) {
	text := ""
	if len(msg.Body) > 0 {
		text = msg.Body[0]
	}
	author := msg.Author
	if msg.IsOwn {
		author = "you"
	}
	fmt.Printf("%s <%s> %s\n", msg.Timestamp, author, text)
}

// runSlashCommand executes one /command line. The bool result requests
// loop exit.
func runSlashCommand(ctx context.Context, client *chirp.Client, rt *chirp.RealtimeClient, sync *chirp.ChannelSync, session *chirp.Session, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	channelID, _ := strconv.ParseInt(sync.ChannelID(), 10, 64)
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	switch name {
	case "/list":
		members, err := client.Channels().Members(reqCtx, channelID)
		if err != nil {
			return false, err
		}
		for _, m := range members {
			fmt.Printf("  %-20s %s\n", m.Nickname, m.Status)
		}
		return false, nil

	case "/join":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: /join <name>")
		}
		ch, err := client.Channels().Join(reqCtx, args[0])
		if err != nil {
			return false, err
		}
		fmt.Printf("--- #%s ---\n", ch.Name)
		return false, openChannel(ctx, rt, sync, strconv.FormatInt(ch.ID, 10))

	case "/invite":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: /invite <nickname>")
		}
		return false, client.Channels().Invite(reqCtx, channelID, args[0])

	case "/kick":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: /kick <nickname>")
		}
		return false, client.Channels().Kick(reqCtx, channelID, args[0])

	case "/revoke":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: /revoke <nickname>")
		}
		return false, client.Channels().Revoke(reqCtx, channelID, args[0])

	case "/status":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: /status <online|dnd|offline>")
		}
		status := chirp.UserStatus(args[0])
		switch status {
		case chirp.StatusOnline, chirp.StatusDND, chirp.StatusOffline:
		default:
			return false, fmt.Errorf("unknown status %q", args[0])
		}
		session.SetStatus(status)
		return false, rt.UpdateStatus(reqCtx, status)

	case "/cancel":
		if err := client.Channels().Leave(reqCtx, channelID); err != nil {
			return false, err
		}
		sync.Clear()
		fmt.Println("Left channel.")
		return true, nil

	case "/quit":
		if err := client.Channels().Delete(reqCtx, channelID); err != nil {
			return false, err
		}
		sync.Clear()
		fmt.Println("Channel deleted.")
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %s", name)
	}
}
