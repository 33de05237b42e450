package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(openCmd, closeCmd, readCmd, moreCmd, retryCmd, retryConnectCmd, showCmd)
}

func convPath(convID, suffix string) string {
	return "/v1/conversations/" + url.PathEscape(convID) + suffix
}

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation (brings its channel up)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		_, err := doRequest(daemonClient(), http.MethodPost, convPath(args[0], "/open"), nil)
		return err
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <conversation-id>",
	Short: "Close a conversation (releases its channel)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		_, err := doRequest(daemonClient(), http.MethodPost, convPath(args[0], "/close"), nil)
		return err
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation read",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		_, err := doRequest(daemonClient(), http.MethodPost, convPath(args[0], "/read"), nil)
		return err
	},
}

var moreCmd = &cobra.Command{
	Use:   "more <conversation-id>",
	Short: "Load the next older history page",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		_, err := doRequest(daemonClient(), http.MethodPost, convPath(args[0], "/more"), nil)
		return err
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <client-token>",
	Short: "Retry a failed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		_, err := doRequest(daemonClient(), http.MethodPost,
			"/v1/messages/"+url.PathEscape(args[0])+"/retry", nil)
		return err
	},
}

var retryConnectCmd = &cobra.Command{
	Use:   "retry-connect <conversation-id>",
	Short: "Restart dialing on a failed channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		_, err := doRequest(daemonClient(), http.MethodPost, convPath(args[0], "/retry-connect"), nil)
		return err
	},
}

var showCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Print a conversation snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		data, err := doRequest(daemonClient(), http.MethodGet, convPath(args[0], ""), nil)
		if err != nil {
			return err
		}
		if jsonFlag {
			printJSON(data)
			return nil
		}
		var view struct {
			State       string `json:"state"`
			UnreadCount int    `json:"unreadCount"`
			HasMore     bool   `json:"hasMore"`
			Typing      []string `json:"typing"`
			Messages    []struct {
				ID          string `json:"id"`
				ClientToken string `json:"clientToken"`
				SenderID    string `json:"senderId"`
				Content     string `json:"content"`
				CreatedAt   int64  `json:"createdAt"`
				Status      string `json:"status"`
			} `json:"messages"`
		}
		if err := getJSONBytes(data, &view); err != nil {
			return err
		}
		fmt.Printf("State: %s  Unread: %d  HasMore: %v\n", view.State, view.UnreadCount, view.HasMore)
		for _, m := range view.Messages {
			id := m.ID
			if id == "" {
				id = m.ClientToken
			}
			fmt.Printf("%-12s %-10s %s: %s\n", id, m.Status, m.SenderID, m.Content)
		}
		return nil
	},
}
