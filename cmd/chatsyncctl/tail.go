package main

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(tailCmd)
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation's view stream",
	Long:  "Subscribes to the daemon's server-sent event stream and prints each view as it arrives. Interrupt to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemonClient()
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet,
			daemonBase+"/v1/conversations/"+url.PathEscape(args[0])+"/events", nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("daemon returned %s", resp.Status)
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			payload, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			payload = strings.TrimSpace(payload)
			if jsonFlag {
				fmt.Println(payload)
				continue
			}
			printView(payload)
		}
		return scanner.Err()
	},
}

func printView(payload string) {
	var view struct {
		State       string   `json:"state"`
		UnreadCount int      `json:"unreadCount"`
		Typing      []string `json:"typing"`
		Messages    []struct {
			SenderID string `json:"senderId"`
			Content  string `json:"content"`
			Status   string `json:"status"`
		} `json:"messages"`
	}
	if err := getJSONBytes([]byte(payload), &view); err != nil {
		fmt.Println(payload)
		return
	}
	last := "(empty)"
	if n := len(view.Messages); n > 0 {
		m := view.Messages[n-1]
		last = fmt.Sprintf("%s: %s [%s]", m.SenderID, m.Content, m.Status)
	}
	typing := ""
	if len(view.Typing) > 0 {
		typing = "  typing: " + strings.Join(view.Typing, ",")
	}
	fmt.Printf("[%s] unread=%d%s  %s\n", view.State, view.UnreadCount, typing, last)
}
