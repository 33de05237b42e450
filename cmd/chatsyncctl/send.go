package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
)

var attachmentFlag string

func init() {
	sendCmd.Flags().StringVar(&attachmentFlag, "attachment", "", "attachment reference to include")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		convID := args[0]
		content := strings.Join(args[1:], " ")
		if content == "" && attachmentFlag == "" {
			return fmt.Errorf("nothing to send: give message text or --attachment")
		}

		client := daemonClient()
		body := map[string]string{"content": content, "attachmentRef": attachmentFlag}
		data, err := doRequest(client, http.MethodPost,
			"/v1/conversations/"+url.PathEscape(convID)+"/messages", body)
		if err != nil {
			return err
		}
		if jsonFlag {
			printJSON(data)
			return nil
		}
		var resp struct {
			ClientToken string `json:"clientToken"`
		}
		if err := getJSONBytes(data, &resp); err != nil {
			return err
		}
		fmt.Printf("queued %s\n", resp.ClientToken)
		return nil
	},
}
