package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qalyd/qalyd/internal/config"
)

// --- query ---

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Submit a research query",
	Long: `Submit a research query.

Cached answers return immediately; a new query waits while the
reasoning service answers. Attach uploaded bills with --bill to give
the query document context.

Examples:
  qalyd query "average cost per QALY for dialysis programs"
  qalyd query --bill 4f1c9a02 "summarize the copay changes in this bill"
  qalyd query --json "price trend for insulin 2019-2024"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		billRefs, _ := cmd.Flags().GetStringSlice("bill")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"text": text}
		if len(billRefs) > 0 {
			req["bill_refs"] = billRefs
		}

		resp, err := client.post(cmd.Context(), "/queries", req)
		if err != nil {
			return err
		}

		if asJSON {
			var raw any
			if err := decodeJSON(resp, &raw); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(raw)
		}

		var result struct {
			QueryID      string `json:"query_id"`
			Status       string `json:"status"`
			Result       string `json:"result"`
			ErrorKind    string `json:"error_kind"`
			ErrorMessage string `json:"error_message"`
			Cached       bool   `json:"cached"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Status == "failed" {
			printError("Query %s failed (%s): %s", result.QueryID, result.ErrorKind, result.ErrorMessage)
			return fmt.Errorf("query failed (%s)", result.ErrorKind)
		}

		if result.Cached {
			printStep("Served from cache")
		}
		fmt.Println(result.Result)
		return nil
	},
}

func init() {
	queryCmd.Flags().StringSlice("bill", nil, "bill ID to attach as context (repeatable)")
	queryCmd.Flags().Bool("json", false, "print the full response as JSON")
}

// --- history ---

type historyEntry struct {
	QueryID   string `json:"query_id"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// fetchHistory retrieves one page of query history, or every page when
// all is set, following next_page_token.
func fetchHistory(ctx context.Context, client *apiClient, params url.Values, all bool) ([]historyEntry, error) {
	var entries []historyEntry
	token := ""
	for {
		page := url.Values{}
		for k, v := range params {
			page[k] = v
		}
		if token != "" {
			page.Set("page_token", token)
		}

		resp, err := client.get(ctx, "/queries?"+page.Encode())
		if err != nil {
			return nil, err
		}

		var result struct {
			Queries       []historyEntry `json:"queries"`
			NextPageToken string         `json:"next_page_token"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return nil, err
		}

		entries = append(entries, result.Queries...)
		token = result.NextPageToken
		if token == "" || !all {
			break
		}
	}
	return entries, nil
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past queries",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		bill, _ := cmd.Flags().GetString("bill")
		limit, _ := cmd.Flags().GetInt("limit")
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		if status != "" {
			params.Set("status", status)
		}
		if bill != "" {
			params.Set("bill", bill)
		}
		params.Set("page_size", strconv.Itoa(limit))

		entries, err := fetchHistory(cmd.Context(), client, params, all)
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No queries found.")
			return nil
		}

		for _, q := range entries {
			text := q.Text
			if len(text) > 80 {
				text = text[:80] + "..."
			}
			fmt.Printf("%s  %s  %-9s  %s\n",
				colorize(colorCyan, q.QueryID[:8]),
				q.CreatedAt,
				q.Status,
				text,
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().String("status", "", "filter by status (pending, in_flight, complete, failed)")
	historyCmd.Flags().String("bill", "", "filter by attached bill ID")
	historyCmd.Flags().Int("limit", 20, "page size")
	historyCmd.Flags().Bool("all", false, "follow page tokens until the history is exhausted")
}

// --- bills ---

var billsCmd = &cobra.Command{
	Use:   "bills",
	Short: "Manage uploaded bill documents",
}

var billsUploadCmd = &cobra.Command{
	Use:   "upload <file.pdf>",
	Short: "Upload a bill PDF for summarization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postFile(cmd.Context(), "/bills", "file", args[0])
		if err != nil {
			return err
		}

		var result struct {
			BillID   string `json:"bill_id"`
			Filename string `json:"filename"`
			Status   string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Uploaded %s (bill %s)", result.Filename, result.BillID)
		printStep("Summarization runs in the background; check it with: qalyd bills show %s", result.BillID)
		return nil
	},
}

var billsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List uploaded bills",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/bills?limit=%d", limit))
		if err != nil {
			return err
		}

		var records []struct {
			BillID     string `json:"bill_id"`
			Filename   string `json:"filename"`
			Status     string `json:"status"`
			UploadedAt string `json:"uploaded_at"`
		}
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No bills found.")
			return nil
		}

		for _, b := range records {
			fmt.Printf("%s  %s  %-10s  %s\n",
				colorize(colorCyan, b.BillID[:8]),
				b.UploadedAt,
				b.Status,
				b.Filename,
			)
		}
		return nil
	},
}

var billsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single bill with its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/bills/"+args[0])
		if err != nil {
			return err
		}

		var bill any
		if err := decodeJSON(resp, &bill); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(bill)
	},
}

func init() {
	billsListCmd.Flags().Int("limit", 20, "maximum number of bills to list")
	billsCmd.AddCommand(billsUploadCmd)
	billsCmd.AddCommand(billsListCmd)
	billsCmd.AddCommand(billsShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset a configuration value to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}

		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
