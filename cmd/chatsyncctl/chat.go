package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
)

var sendMedia map[string]string

func init() {
	sendCmd.Flags().StringToStringVar(&sendMedia, "media", nil, "media attachment as name=uri (repeatable)")

	rootCmd.AddCommand(chatsCmd, contactsCmd, messagesCmd, findCmd, sendCmd, watchCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, least recently active first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			chats, err := c.ChatList(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(chats)
				return nil
			}
			if len(chats) == 0 {
				fmt.Println("No chats.")
				return nil
			}
			for _, ct := range chats {
				fmt.Printf("%-20s %-36s %s\n", formatTime(ct.LastActivityTime), contactKey(ct), displayName(ct))
			}
			return nil
		})
	},
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List cached contacts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			list, err := c.Contacts(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(list)
				return nil
			}
			for _, ct := range list {
				state := "registered"
				if ct.ID == "" {
					state = "not registered"
				}
				fmt.Printf("%-36s %-16s %-24s %s\n", contactKey(ct), ct.Phone, displayName(ct), state)
			}
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <contact>",
	Short: "Show the conversation with a contact (id, local id or phone)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			msgs, err := c.Messages(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(msgs)
				return nil
			}
			for _, m := range msgs {
				printMessage(m)
			}
			return nil
		})
	},
}

var findCmd = &cobra.Command{
	Use:   "find <phone>",
	Short: "Look up a registered user by phone and add them to contacts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			ct, err := c.FindContact(ctx, args[0])
			if err != nil {
				return err
			}
			if ct == nil {
				return fmt.Errorf("%s is not registered", args[0])
			}
			printUser("Found", ct)
			return nil
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <contact> <text...>",
	Short: "Send a message, queueing it when the channel is down",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := strings.Join(args[1:], " ")
		return withClient(func(ctx context.Context, c *api.Client) error {
			m, queued, err := c.Send(ctx, args[0], body, sendMedia)
			if err != nil {
				return err
			}
			if jsonOutput {
				outputJSON(map[string]any{"message": m, "queued": queued})
				return nil
			}
			if queued {
				fmt.Printf("Queued %s (will send on reconnect).\n", m.LocalID)
				return nil
			}
			fmt.Printf("Sent %s.\n", valueOr(m.ID, m.LocalID))
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [namespace]",
	Short: "Stream live events (e.g. chat., channel., status.)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		namespace := ""
		if len(args) == 1 {
			namespace = args[0]
		}
		name, err := sessionName()
		if err != nil {
			return err
		}
		c, err := api.Dial(session.SocketPath(name))
		if err != nil {
			return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.WatchEvents(ctx, namespace, func(evt api.Event) error {
			if jsonOutput {
				outputJSON(evt)
				return nil
			}
			fmt.Printf("%s %-22s %v\n", formatTime(evt.OccurredAt), evt.Kind, evt.Payload)
			return nil
		})
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func contactKey(ct model.Contact) string {
	return valueOr(ct.ID, ct.LocalID)
}

func displayName(ct model.Contact) string {
	return valueOr(ct.Name, ct.Phone)
}

func printMessage(m model.Message) {
	who := valueOr(m.AuthorPhone, m.AuthorID)
	state := ""
	switch {
	case m.ID == "":
		state = " [pending]"
	case len(m.ViewedBy) > 0:
		state = " [seen]"
	}
	fmt.Printf("%s %-16s %s%s\n", formatTime(m.Time), who, m.Body, state)
	for name, uri := range m.Media {
		fmt.Printf("%37s %s: %s\n", "", name, uri)
	}
}
