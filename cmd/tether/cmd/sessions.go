package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudtether/tether/internal/core"
	"github.com/cloudtether/tether/internal/manager"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions managed by the running daemon",
	Long: `Sessions queries the status API of a running 'tether serve' daemon and
lists its sessions. The API address comes from the api.addr config key.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "emit raw JSON")
	rootCmd.AddCommand(sessionsCmd)
}

type sessionListResponse struct {
	Sessions []core.Session `json:"sessions"`
	Stats    manager.Stats  `json:"stats"`
}

func runSessions(_ *cobra.Command, _ []string) error {
	url := fmt.Sprintf("http://%s/api/v1/sessions", appConfig.API.Addr)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("reaching the daemon at %s (is 'tether serve' running?): %w", appConfig.API.Addr, err)
	}
	defer resp.Body.Close()

	if sessionsJSON {
		var raw json.RawMessage
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}

	var list sessionListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return fmt.Errorf("decoding session list: %w", err)
	}

	if len(list.Sessions) == 0 {
		fmt.Println("No sessions.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTARGET\tSTATUS\tLOCAL\tREMOTE\tPRIORITY\tIDLE\tTRANSFERRED")
	now := time.Now()
	for _, s := range list.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			shortID(s.ID),
			s.TargetID,
			s.Status,
			s.LocalPort,
			s.RemotePort,
			s.Priority,
			now.Sub(s.LastActivity).Round(time.Second),
			formatBytes(s.BytesTransfer),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d sessions (%d connected) across %d targets\n",
		list.Stats.Total, list.Stats.Connected, list.Stats.TargetCount)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
