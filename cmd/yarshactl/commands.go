package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/yarsha/internal/control"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			r, err := c.client.Status(c.ctx)
			if err != nil {
				return err
			}
			if c.jsonMode {
				return outputJSON(c.out, r)
			}
			writeReport(c.out, r)
			return nil
		},
	}
}

func newChatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chats",
		Short: "List cached chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			chats, err := c.client.ListChats(c.ctx, limit, offset)
			if err != nil {
				return err
			}
			if c.jsonMode {
				return outputJSON(c.out, chats)
			}
			writeChats(c.out, chats, time.Now())
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum chats to list")
	cmd.Flags().Int("offset", 0, "chats to skip")
	return cmd
}

func newMessagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages <chat-id>",
		Short: "List cached messages of a chat, newest page first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			page, _ := cmd.Flags().GetInt("page")
			msgs, err := c.client.ListMessages(c.ctx, args[0], page)
			if err != nil {
				return err
			}
			if c.jsonMode {
				return outputJSON(c.out, msgs)
			}
			writeMessages(c.out, msgs, time.Now())
			return nil
		},
	}
	cmd.Flags().Int("page", 1, "page number")
	return cmd
}

func newSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search cached message content",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			chatID, _ := cmd.Flags().GetString("chat")
			limit, _ := cmd.Flags().GetInt("limit")
			results, err := c.client.Search(c.ctx, strings.Join(args, " "), chatID, limit)
			if err != nil {
				return err
			}
			if c.jsonMode {
				return outputJSON(c.out, results)
			}
			writeResults(c.out, results, time.Now())
			return nil
		},
	}
	cmd.Flags().String("chat", "", "restrict to one chat")
	cmd.Flags().Int("limit", 20, "maximum results")
	return cmd
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch the next chat list page from the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			page, _ := cmd.Flags().GetInt("page")
			all, _ := cmd.Flags().GetBool("all")

			var results []*control.SyncResult
			for {
				r, err := c.client.Sync(c.ctx, page)
				if err != nil {
					return err
				}
				results = append(results, r)
				if !all || page > 0 || r.Done {
					break
				}
			}
			if c.jsonMode {
				return outputJSON(c.out, results)
			}
			for _, r := range results {
				writeSync(c.out, r)
			}
			return nil
		},
	}
	cmd.Flags().Int("page", 0, "fetch this page instead of the next one")
	cmd.Flags().Bool("all", false, "keep fetching until the last page")
	return cmd
}

func newMutationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mutations",
		Short: "List failed local changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			ms, err := c.client.Mutations(c.ctx, limit)
			if err != nil {
				return err
			}
			if c.jsonMode {
				return outputJSON(c.out, ms)
			}
			writeMutations(c.out, ms, time.Now())
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum entries")

	cmd.AddCommand(&cobra.Command{
		Use:   "revert <mutation-id>",
		Short: "Undo a failed change locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.client.Revert(c.ctx, args[0]); err != nil {
				return err
			}
			if c.jsonMode {
				return outputJSON(c.out, map[string]any{"reverted": args[0]})
			}
			_, _ = fmt.Fprintf(c.out, "reverted %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <chat-id> <text...>",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			replyTo, _ := cmd.Flags().GetString("reply-to")
			msg, err := c.client.Send(c.ctx, args[0], strings.Join(args[1:], " "), replyTo)
			if err != nil {
				return err
			}
			if c.jsonMode {
				return outputJSON(c.out, msg)
			}
			_, _ = fmt.Fprintf(c.out, "%s %s\n", msg.Status, msg.Identity())
			return nil
		},
	}
	cmd.Flags().String("reply-to", "", "message id to reply to")
	return cmd
}

var chatActions = []struct {
	name  string
	short string
}{
	{control.ActPin, "Pin a chat"},
	{control.ActUnpin, "Unpin a chat"},
	{control.ActMute, "Mute a chat"},
	{control.ActUnmute, "Unmute a chat"},
	{control.ActDelete, "Delete a chat"},
	{control.ActOpen, "Follow a chat's live messages"},
	{control.ActClose, "Stop following a chat"},
	{control.ActRefresh, "Refetch a chat's details"},
}

func newActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <chat-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect(cmd)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.client.Act(c.ctx, action, args[0]); err != nil {
				return err
			}
			if c.jsonMode {
				return outputJSON(c.out, map[string]any{"action": action, "chatId": args[0]})
			}
			_, _ = fmt.Fprintf(c.out, "%s %s: ok\n", action, args[0])
			return nil
		},
	}
}
