package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(_ *cobra.Command, _ []string) error {
		client := daemonClient()
		data, err := doRequest(client, http.MethodGet, "/v1/status", nil)
		if err != nil {
			return err
		}
		if jsonFlag {
			printJSON(data)
			return nil
		}
		var status struct {
			Account      string `json:"account"`
			UserID       string `json:"userId"`
			SessionValid bool   `json:"sessionValid"`
			UptimeSec    int64  `json:"uptimeSec"`
		}
		if err := getJSONBytes(data, &status); err != nil {
			return err
		}
		fmt.Printf("Account: %s\n", status.Account)
		fmt.Printf("User:    %s\n", status.UserID)
		fmt.Printf("Session: %s\n", validity(status.SessionValid))
		fmt.Printf("Uptime:  %ds\n", status.UptimeSec)
		return nil
	},
}

func validity(ok bool) string {
	if ok {
		return "valid"
	}
	return "invalidated"
}
