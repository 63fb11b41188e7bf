package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"vramancer/pkg/types"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// buildRootCmd constructs the Cobra command tree for the control client.
func buildRootCmd() *cobra.Command {
	addr := "http://127.0.0.1:8080"
	if v := os.Getenv("VRAMANCER_ADDR"); v != "" {
		addr = v
	}

	root := &cobra.Command{
		Use:           "vramctl",
		Short:         "Control client for the vramancer memory daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&addr, "addr", addr, "Daemon base URL (defaults VRAMANCER_ADDR or http://127.0.0.1:8080)")

	statusCmd := &cobra.Command{Use: "status", Short: "Show tier occupancy and resident blocks", RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(addr)
	}}

	promoteCmd := &cobra.Command{Use: "promote <block-id>", Short: "Move a block one tier faster", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		return postOverride(addr, "promote", args[0])
	}}

	demoteCmd := &cobra.Command{Use: "demote <block-id>", Short: "Move a block one tier slower", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		return postOverride(addr, "demote", args[0])
	}}

	healthCmd := &cobra.Command{Use: "health", Short: "Check daemon liveness and readiness", RunE: func(cmd *cobra.Command, args []string) error {
		for _, ep := range []string{"/healthz", "/readyz"} {
			code, body, err := get(addr + ep)
			if err != nil {
				return err
			}
			fmt.Printf("%-9s %d %s\n", ep, code, body)
		}
		return nil
	}}

	root.AddCommand(statusCmd, promoteCmd, demoteCmd, healthCmd)
	return root
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func get(u string) (int, string, error) {
	resp, err := httpClient().Get(u)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(b), nil
}

func printStatus(addr string) error {
	resp, err := httpClient().Get(addr + "/memory")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	var st types.MemoryStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Printf("node: %s  evictions: %d  promotions: %d\n\n", st.NodeID, st.Evictions, st.Promotions)
	fmt.Printf("%-14s %12s %12s %9s\n", "TIER", "USED", "CAPACITY", "PRESSURE")
	for _, t := range st.Tiers {
		fmt.Printf("%-14s %12s %12s %8.1f%%\n", t.Tier, humanBytes(t.UsedBytes), humanBytes(t.CapacityBytes), t.Pressure*100)
	}
	if len(st.Blocks) > 0 {
		fmt.Printf("\n%-24s %-14s %10s %9s %8s %-9s\n", "BLOCK", "TIER", "SIZE", "SCORE", "PRIO", "STATE")
		for _, b := range st.Blocks {
			fmt.Printf("%-24s %-14s %10s %9.2f %8s %-9s\n", b.ID, b.Tier, humanBytes(b.SizeBytes), b.Score, b.Priority, b.State)
		}
	}
	return nil
}

func postOverride(addr, op, id string) error {
	u := fmt.Sprintf("%s/memory/%s?id=%s", addr, op, url.QueryEscape(id))
	resp, err := httpClient().Post(u, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		if json.Unmarshal(b, &payload) == nil && payload.Error != "" {
			return fmt.Errorf("%s failed (%s): %s", op, payload.Kind, payload.Error)
		}
		return fmt.Errorf("%s failed: status %d", op, resp.StatusCode)
	}
	fmt.Printf("%s %s: ok\n", op, id)
	return nil
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
