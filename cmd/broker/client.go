package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var membersCmd = &cobra.Command{
	Use:   "members",
	Short: "List the coordination group's current server set",
	RunE: func(cmd *cobra.Command, args []string) error {
		adminAddr, _ := cmd.Flags().GetString("admin-addr")

		var members []memberInfo
		if err := getJSON(adminAddr+"/members", &members); err != nil {
			return err
		}

		if len(members) == 0 {
			fmt.Println("No members found")
			return nil
		}

		fmt.Printf("%-20s %-25s %s\n", "ID", "ADDRESS", "SUFFRAGE")
		for _, m := range members {
			fmt.Printf("%-20s %-25s %s\n", m.ID, m.Address, m.Suffrage)
		}
		return nil
	},
}

var electionStatusCmd = &cobra.Command{
	Use:   "election-status",
	Short: "Show whether this candidate currently holds leadership",
	RunE: func(cmd *cobra.Command, args []string) error {
		adminAddr, _ := cmd.Flags().GetString("admin-addr")
		watch, _ := cmd.Flags().GetBool("watch")

		for {
			var status electionStatus
			if err := getJSON(adminAddr+"/election-status", &status); err != nil {
				return err
			}
			fmt.Printf("state=%s leader=%t\n", status.State, status.IsLeader)
			if !watch {
				return nil
			}
			time.Sleep(2 * time.Second)
		}
	},
}

func init() {
	membersCmd.Flags().String("admin-addr", "http://127.0.0.1:9100", "Admin/metrics base URL of a running broker")
	electionStatusCmd.Flags().String("admin-addr", "http://127.0.0.1:9100", "Admin/metrics base URL of a running broker")
	electionStatusCmd.Flags().Bool("watch", false, "Poll repeatedly instead of exiting after one read")
}

func getJSON(url string, v interface{}) error {
	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("request %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
