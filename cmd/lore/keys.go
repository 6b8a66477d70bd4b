package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// adminRequest talks directly to the server's admin surface. These
// commands need --api-url; key management never touches the local store.
func adminRequest(method, path string, body any) (map[string]any, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url or LORE_API_URL is required")
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(apiURL, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s (%s)", resp.StatusCode, e.Message, e.Error)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}

	out := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func newOrgCommand() *cobra.Command {
	orgCmd := &cobra.Command{
		Use:   "org",
		Short: "Org administration",
	}

	initCmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Create the org and print its root key (shown exactly once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := adminRequest(http.MethodPost, "/v1/org/init", map[string]string{"name": args[0]})
			if err != nil {
				return err
			}
			fmt.Printf("Org:      %s\n", out["org_id"])
			fmt.Printf("Root key: %s\n", out["api_key"])
			fmt.Println("Store this key now; it will not be shown again.")
			return nil
		},
	}

	orgCmd.AddCommand(initCmd)
	return orgCmd
}

func newKeysCommand() *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "API key administration (root key required)",
	}

	var keyProject string
	createCmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an API key; the secret is printed exactly once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"name": args[0]}
			if keyProject != "" {
				body["project"] = keyProject
			}
			out, err := adminRequest(http.MethodPost, "/v1/keys", body)
			if err != nil {
				return err
			}
			fmt.Printf("ID:  %s\n", out["id"])
			fmt.Printf("Key: %s\n", out["key"])
			return nil
		},
	}
	createCmd.Flags().StringVar(&keyProject, "key-project", "", "Scope the key to one project")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List keys (prefixes only, never secrets)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := adminRequest(http.MethodGet, "/v1/keys", nil)
			if err != nil {
				return err
			}
			keys, _ := out["keys"].([]any)
			for _, raw := range keys {
				k, _ := raw.(map[string]any)
				revoked := ""
				if r, _ := k["revoked"].(bool); r {
					revoked = " (revoked)"
				}
				fmt.Printf("%-28s %-14s %s%s\n", k["id"], k["key_prefix"], k["name"], revoked)
			}
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := adminRequest(http.MethodDelete, "/v1/keys/"+args[0], nil)
			if err != nil {
				return err
			}
			fmt.Println("Revoked.")
			return nil
		},
	}

	keysCmd.AddCommand(createCmd, listCmd, revokeCmd)
	return keysCmd
}
