package main

import (
	"fmt"
	"strings"

	"github.com/matheus3301/relay/internal/api"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

func init() {
	sendCmd.Flags().String("reply-to", "", "id of the message being answered")
	sendCmd.Flags().String("media", "", "attachment URL")
	sendCmd.Flags().String("mime", "", "attachment MIME type")
	messagesCmd.Flags().Int("limit", 50, "number of messages")
	searchCmd.Flags().String("chat", "", "restrict to one chat")
	searchCmd.Flags().Int("limit", 20, "number of results")
	watchStatusCmd.Flags().String("chat", "", "restrict to one chat")
	chatsCmd.Flags().Int("limit", 50, "number of chats")

	rootCmd.AddCommand(sendCmd, retryCmd, queueCmd, messagesCmd, searchCmd, chatsCmd, watchCmd)
	watchCmd.AddCommand(watchChatCmd, watchStatusCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text...>",
	Short: "Send a text message",
	Long:  "Queue a message for sending. It is stored locally first and delivered once the remote store is reachable.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replyTo, _ := cmd.Flags().GetString("reply-to")
		mediaURL, _ := cmd.Flags().GetString("media")
		mime, _ := cmd.Flags().GetString("mime")
		in := map[string]any{
			"chat_id":     args[0],
			"text":        strings.Join(args[1:], " "),
			"reply_to_id": replyTo,
			"media_url":   mediaURL,
			"media_mime":  mime,
		}
		return call(api.MessageServiceName, "SendText", in, func(out *structpb.Struct) {
			m := field(out, "message").GetStructValue()
			fmt.Printf("queued %s (%s)\n", field(m, "id").GetStringValue(), field(m, "status").GetStringValue())
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <message-id>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.MessageServiceName, "Retry", map[string]any{"id": args[0]}, func(out *structpb.Struct) {
			if field(out, "started").GetBoolValue() {
				fmt.Println("retry started")
			} else {
				fmt.Println("retry deferred until the remote store is reachable")
			}
		})
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show messages waiting for the remote store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(api.MessageServiceName, "Schedule", nil, func(out *structpb.Struct) {
			entries := field(out, "entries").GetListValue().GetValues()
			if len(entries) == 0 {
				fmt.Println("queue empty")
				return
			}
			for _, v := range entries {
				e := v.GetStructValue()
				m := field(e, "message").GetStructValue()
				state := "next " + fmtTime(field(e, "next_eligible_at").GetNumberValue())
				switch {
				case field(e, "in_flight").GetBoolValue():
					state = "in flight"
				case field(e, "exhausted").GetBoolValue():
					state = "exhausted, retry manually"
				}
				fmt.Printf("%-28s %-8s retries=%-2.0f %s\n",
					field(m, "id").GetStringValue(),
					field(m, "status").GetStringValue(),
					field(m, "retry_count").GetNumberValue(),
					state)
			}
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <chat-id>",
	Short: "List the latest messages of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		in := map[string]any{"chat_id": args[0], "limit": limit}
		return call(api.MessageServiceName, "ListMessages", in, func(out *structpb.Struct) {
			printMessages(field(out, "messages").GetListValue().GetValues())
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over stored messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, _ := cmd.Flags().GetString("chat")
		limit, _ := cmd.Flags().GetInt("limit")
		in := map[string]any{"query": strings.Join(args, " "), "chat_id": chat, "limit": limit}
		return call(api.MessageServiceName, "SearchMessages", in, func(out *structpb.Struct) {
			for _, v := range field(out, "results").GetListValue().GetValues() {
				r := v.GetStructValue()
				m := field(r, "message").GetStructValue()
				fmt.Printf("[%s] %s: %s\n",
					field(m, "chat_id").GetStringValue(),
					field(m, "sender_id").GetStringValue(),
					field(r, "snippet").GetStringValue())
			}
		})
	},
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return call(api.ChatServiceName, "ListChats", map[string]any{"limit": limit}, func(out *structpb.Struct) {
			for _, v := range field(out, "chats").GetListValue().GetValues() {
				c := v.GetStructValue()
				name := field(c, "group_name").GetStringValue()
				if name == "" {
					var ids []string
					for _, p := range field(c, "participants").GetListValue().GetValues() {
						ids = append(ids, p.GetStringValue())
					}
					name = strings.Join(ids, ", ")
				}
				last := field(c, "last_message").GetStructValue()
				fmt.Printf("%-24s %-30s %s  %s\n",
					field(c, "id").GetStringValue(),
					name,
					fmtTime(field(last, "at").GetNumberValue()),
					field(last, "text").GetStringValue())
			}
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live updates",
}

var watchChatCmd = &cobra.Command{
	Use:   "chat <chat-id>",
	Short: "Follow the merged timeline of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return watch(cmd, api.ChatServiceName, "WatchChat", map[string]any{"chat_id": args[0]}, func(s *structpb.Struct) {
			fmt.Println("---")
			printMessages(field(s, "messages").GetListValue().GetValues())
		})
	},
}

var watchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Follow message status changes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		chat, _ := cmd.Flags().GetString("chat")
		return watch(cmd, api.MessageServiceName, "WatchStatus", map[string]any{"chat_id": chat}, func(s *structpb.Struct) {
			fmt.Printf("%s %s -> %s\n",
				field(s, "chat_id").GetStringValue(),
				field(s, "message_id").GetStringValue(),
				field(s, "status").GetStringValue())
		})
	},
}

func printMessages(msgs []*structpb.Value) {
	for _, v := range msgs {
		m := v.GetStructValue()
		text := field(m, "text").GetStringValue()
		if media := field(m, "media").GetStructValue(); media != nil {
			text = strings.TrimSpace(text + " [" + field(media, "mime").GetStringValue() + "]")
		}
		fmt.Printf("%s %-12s %-9s %s\n",
			fmtTime(field(m, "created_at").GetNumberValue()),
			field(m, "sender_id").GetStringValue(),
			field(m, "status").GetStringValue(),
			text)
	}
}
