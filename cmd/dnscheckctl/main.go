// cmd/dnscheckctl — operator CLI for the dnscheck service.
//
// Submit a domain for validation, or query its current state:
//
//	dnscheckctl submit example.com
//	dnscheckctl status example.com --api-key $CHECKDNS_TOKEN
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	apiKey    string
	asJSON    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dnscheckctl",
	Short: "DNS validation service CLI",
	Long: `dnscheckctl talks to a running dnscheck service.

It submits customer domains for DNS validation and reports how far a
domain's records are from the expected forwarding profile.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		viper.SetEnvPrefix("dnscheckctl")
		viper.AutomaticEnv()
		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "dnscheck base URL (default http://localhost:8080, env DNSCHECKCTL_SERVER)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "x-api-key for the checkdns endpoint (env DNSCHECKCTL_API_KEY)")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print raw JSON responses")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// ── submit ───────────────────────────────────────────────────────────────────

var submitCmd = &cobra.Command{
	Use:   "submit <domain>",
	Short: "Submit a domain for email-forwarding DNS validation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]string{"target": args[0]})
	if err != nil {
		return err
	}

	resp, err := httpClient.Post(serverURL+"/request/email", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("submit failed (%s): %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	if asJSON {
		fmt.Println(string(payload))
		return nil
	}

	var out struct {
		ID        int64  `json:"id"`
		Target    string `json:"target"`
		Status    string `json:"status"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	fmt.Printf("request %d: %s is %s (expires %s)\n", out.ID, out.Target, out.Status, out.ExpiresAt)
	if out.Status == "PENDING" {
		fmt.Println("validation is polling in the background; check progress with: dnscheckctl status " + out.Target)
	}
	return nil
}

// ── status ───────────────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status <domain>",
	Short: "Show a domain's validation state and missing records",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+"/api/checkdns/"+args[0], nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status failed (%s): %s", resp.Status, strings.TrimSpace(string(payload)))
	}
	if asJSON {
		fmt.Println(string(payload))
		return nil
	}

	var out struct {
		Target  string `json:"target"`
		Summary struct {
			OverallStatus string `json:"overall_status"`
		} `json:"summary"`
		Email *struct {
			Status  string `json:"status"`
			Missing []struct {
				Key      string   `json:"key"`
				Type     string   `json:"type"`
				Name     string   `json:"name"`
				Expected string   `json:"expected"`
				Found    []string `json:"found"`
				OK       bool     `json:"ok"`
			} `json:"missing"`
		} `json:"email"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}

	fmt.Printf("%s: %s\n", out.Target, out.Summary.OverallStatus)
	if out.Email == nil {
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tOK\tRECORD\tEXPECTED\tFOUND")
	for _, m := range out.Email.Missing {
		ok := "no"
		if m.OK {
			ok = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s %s\t%s\t%s\n",
			m.Key, ok, m.Type, m.Name, m.Expected, strings.Join(m.Found, ", "))
	}
	return w.Flush()
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dnscheckctl " + version)
	},
}
