package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chirp "github.com/chirpchat/chirp-go"
)

var listenMentionsOnly bool

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().BoolVar(&listenMentionsOnly, "mentions-only", false, "Notify only for messages that mention you")
}

// stdoutNotifier renders notifications as terminal lines.
type stdoutNotifier struct{}

func (stdoutNotifier) Notify(n chirp.Notification) {
	fmt.Printf("%s  %s: %s\n", time.Now().Format("15:04:05"), n.Title, n.Body)
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Run a notification listener for all your channels",
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
		if listenMentionsOnly {
			session.SetMentionOnly(true)
		}

		index := chirp.NewChannelIndex()
		listCtx, listCancel := context.WithTimeout(ctx, 15*time.Second)
		channels, err := client.Channels().List(listCtx)
		listCancel()
		if err != nil {
			return fmt.Errorf("channel list failed: %w", err)
		}
		for _, ch := range channels {
			index.Update(ch)
		}

		rt := client.Realtime(&chirp.RealtimeConfig{AutoReconnect: true})
		if err := rt.Connect(ctx, client.Token()); err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		defer rt.Disconnect()

		defer rt.OnChannelCreated(index.Update)()
		defer rt.OnChannelDeleted(index.Remove)()

		router := chirp.NewNotificationRouter(chirp.RouterConfig{
			Session:  session,
			Notifier: stdoutNotifier{},
			Namer:    index,
			// A headless listener never has the user's attention.
			Visible: func() bool { return false },
		})
		defer router.Bind(rt)()

		for _, ch := range channels {
			_ = rt.JoinChannel(ctx, strconv.FormatInt(ch.ID, 10))
		}

		fmt.Printf("Listening on %d channels as %s. Ctrl-C to stop.\n",
			len(channels), me.User.Nickname)

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		fmt.Println("\nStopped.")
		return nil
	},
}
