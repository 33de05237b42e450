package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/campuslink/chatsync/internal/account"
)

// daemonClient returns an HTTP client bound to the resolved account's daemon
// socket. Exits with a clear message when the daemon is not reachable later;
// resolution errors exit here.
func daemonClient() *http.Client {
	name := account.Resolve(accountFlag)
	if err := account.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	socketPath := account.SocketPath(name)
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				c, err := d.DialContext(ctx, "unix", socketPath)
				if err != nil {
					return nil, fmt.Errorf("daemon for account %q not reachable (%s): %w", name, socketPath, err)
				}
				return c, nil
			},
		},
	}
}

// The host is ignored by the unix-socket transport but required by net/http.
const daemonBase = "http://daemon"

type apiError struct {
	Error string `json:"error"`
}

func doRequest(client *http.Client, method, path string, body any) ([]byte, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequest(method, daemonBase+path, &buf)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("%s", apiErr.Error)
		}
		return nil, fmt.Errorf("daemon returned %s", resp.Status)
	}
	return data, nil
}

func getJSONBytes(data []byte, out any) error {
	return json.Unmarshal(data, out)
}

func printJSON(data []byte) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(pretty.String())
}
