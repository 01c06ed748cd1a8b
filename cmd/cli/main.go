package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/yourusername/browsecore/internal/app"
	"github.com/yourusername/browsecore/internal/domain"
)

var (
	serverURL   string
	configFile  string
	noAutoStart bool
	rootCmd     = &cobra.Command{
		Use:   "browsecore",
		Short: "browsecore CLI - sessions, downloads and request filtering",
		Long:  `A command-line interface for the browsecore session server: windows, tabs, downloads, history and the request filter.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "Server URL")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file passed to an auto-started server")
	rootCmd.PersistentFlags().BoolVar(&noAutoStart, "no-auto-start", false, "Don't auto-start server if not running")

	windowCmd.AddCommand(windowOpenCmd, windowListCmd, windowCloseCmd, windowReopenCmd)
	tabCmd.AddCommand(tabOpenCmd, tabCloseCmd, tabNavigateCmd, tabCheckCmd)
	downloadsCmd.AddCommand(downloadsAddCmd, downloadsListCmd, downloadsStatsCmd,
		downloadsPauseCmd, downloadsResumeCmd, downloadsCancelCmd, downloadsClearCmd)
	filterCmd.AddCommand(filterStatusCmd, filterReloadCmd, filterAddCmd, filterRemoveCmd, filterEnableCmd)
	historyCmd.AddCommand(historyClearCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(windowCmd, tabCmd, downloadsCmd, filterCmd, historyCmd, configCmd)
}

// ensureServer checks if server is running and starts it if needed (unless --no-auto-start)
func ensureServer() {
	if noAutoStart {
		return
	}
	if err := ensureServerRunning(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

// call sends a JSON request and decodes the response into out. Any status
// outside 2xx is fatal.
func call(method, path string, payload interface{}, out interface{}) {
	ensureServer()

	var body io.Reader
	if payload != nil {
		data, _ := json.Marshal(payload)
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, body)
	if err != nil {
		fail(err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			fail(fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode))
		}
		fail(fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			fail(fmt.Errorf("failed to decode response: %w", err))
		}
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

var windowCmd = &cobra.Command{
	Use:   "window",
	Short: "Manage windows",
}

var windowOpenCmd = &cobra.Command{
	Use:   "open [url]",
	Short: "Open a window with one tab",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		private, _ := cmd.Flags().GetBool("private")
		payload := map[string]string{"partition": string(domain.PartitionNormal)}
		if private {
			payload["partition"] = string(domain.PartitionPrivate)
		}
		if len(args) == 1 {
			payload["url"] = args[0]
		}

		var result map[string]interface{}
		call(http.MethodPost, "/api/v1/windows", payload, &result)
		fmt.Printf("Window opened!\n")
		fmt.Printf("ID:        %s\n", result["id"])
		fmt.Printf("Partition: %s\n", result["partition"])
		fmt.Printf("Tab:       %s\n", result["active_tab"])
	},
}

var windowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open windows",
	Run: func(cmd *cobra.Command, args []string) {
		var result struct {
			Windows []struct {
				ID        string        `json:"id"`
				Partition string        `json:"partition"`
				Tabs      []interface{} `json:"tabs"`
				ActiveTab string        `json:"active_tab"`
			} `json:"windows"`
		}
		call(http.MethodGet, "/api/v1/windows", nil, &result)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPARTITION\tTABS\tACTIVE")
		for _, win := range result.Windows {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
				truncate(win.ID, 8), win.Partition, len(win.Tabs), truncate(win.ActiveTab, 8))
		}
		w.Flush()
	},
}

var windowCloseCmd = &cobra.Command{
	Use:   "close [id]",
	Short: "Close a window; private windows are wiped",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		call(http.MethodDelete, "/api/v1/windows/"+args[0], nil, nil)
		fmt.Println("Window closed")
	},
}

var windowReopenCmd = &cobra.Command{
	Use:   "reopen [window-id]",
	Short: "Reopen the most recently closed tab",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var tab map[string]interface{}
		call(http.MethodPost, "/api/v1/windows/"+args[0]+"/reopen", nil, &tab)
		fmt.Printf("Reopened tab %s: %v\n", tab["id"], tab["url"])
	},
}

var tabCmd = &cobra.Command{
	Use:   "tab",
	Short: "Manage tabs",
}

var tabOpenCmd = &cobra.Command{
	Use:   "open [window-id] [url]",
	Short: "Open a tab in a window",
	Args:  cobra.RangeArgs(1, 2),
	Run: func(cmd *cobra.Command, args []string) {
		payload := map[string]string{}
		if len(args) == 2 {
			payload["url"] = args[1]
		}
		var tab map[string]interface{}
		call(http.MethodPost, "/api/v1/windows/"+args[0]+"/tabs", payload, &tab)
		fmt.Printf("Tab opened: %s\n", tab["id"])
	},
}

var tabCloseCmd = &cobra.Command{
	Use:   "close [id]",
	Short: "Close a tab",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		call(http.MethodDelete, "/api/v1/tabs/"+args[0], nil, nil)
		fmt.Println("Tab closed")
	},
}

var tabNavigateCmd = &cobra.Command{
	Use:   "navigate [id] [url]",
	Short: "Navigate a tab",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		call(http.MethodPost, "/api/v1/tabs/"+args[0]+"/navigate", map[string]string{"url": args[1]}, nil)
		fmt.Println("Navigation queued")
	},
}

var tabCheckCmd = &cobra.Command{
	Use:   "check [id] [url]",
	Short: "Ask the filter whether a tab may load a URL",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var result map[string]string
		call(http.MethodPost, "/api/v1/tabs/"+args[0]+"/check", map[string]string{"url": args[1]}, &result)
		fmt.Println(result["verdict"])
	},
}

var downloadsCmd = &cobra.Command{
	Use:     "downloads",
	Aliases: []string{"dl"},
	Short:   "Manage downloads",
}

var downloadsAddCmd = &cobra.Command{
	Use:   "add [tab-id] [url]",
	Short: "Download a URL from a tab",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		filename, _ := cmd.Flags().GetString("filename")
		payload := map[string]string{"tab_id": args[0], "url": args[1]}
		if filename != "" {
			payload["filename"] = filename
		}

		var result map[string]interface{}
		call(http.MethodPost, "/api/v1/downloads", payload, &result)
		fmt.Printf("Download started!\n")
		fmt.Printf("ID:    %s\n", result["id"])
		fmt.Printf("State: %s\n", result["state"])
		fmt.Printf("File:  %s\n", result["destination_path"])
	},
}

var downloadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads",
	Run: func(cmd *cobra.Command, args []string) {
		active, _ := cmd.Flags().GetBool("active")
		state, _ := cmd.Flags().GetString("state")

		q := url.Values{}
		if active {
			q.Set("active", "true")
		}
		if state != "" {
			q.Set("state", state)
		}
		path := "/api/v1/downloads"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var result struct {
			Downloads []map[string]interface{} `json:"downloads"`
		}
		call(http.MethodGet, path, nil, &result)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tURL\tPARTITION\tSTATE\tRECEIVED")
		for _, d := range result.Downloads {
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%v\n",
				truncate(fmt.Sprint(d["id"]), 8),
				truncate(fmt.Sprint(d["url"]), 40),
				d["origin_partition"],
				d["state"],
				d["received_bytes"])
		}
		w.Flush()
	},
}

var downloadsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show download statistics",
	Run: func(cmd *cobra.Command, args []string) {
		var stats map[string]interface{}
		call(http.MethodGet, "/api/v1/downloads/stats", nil, &stats)

		fmt.Println("Download Statistics:")
		for _, key := range []string{"total", "pending", "in_progress", "paused", "completed", "cancelled", "failed"} {
			if v, ok := stats[key]; ok {
				fmt.Printf("  %-12s %v\n", key+":", v)
			}
		}
	},
}

func downloadAction(use, short, action, done string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			call(http.MethodPost, "/api/v1/downloads/"+args[0]+"/"+action, nil, nil)
			fmt.Println(done)
		},
	}
}

var (
	downloadsPauseCmd  = downloadAction("pause", "Pause a download", "pause", "Download paused")
	downloadsResumeCmd = downloadAction("resume", "Resume a paused download", "resume", "Download resumed")
	downloadsCancelCmd = downloadAction("cancel", "Cancel a download", "cancel", "Download cancelled")
)

var downloadsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove finished downloads from the list",
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		path := "/api/v1/downloads"
		if all {
			path += "?all=true"
		}
		var result map[string]interface{}
		call(http.MethodDelete, path, nil, &result)
		fmt.Printf("Removed %v downloads\n", result["removed"])
	},
}

var filterCmd = &cobra.Command{
	Use:   "filter",
	Short: "Manage the request filter",
}

var filterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show filter status",
	Run: func(cmd *cobra.Command, args []string) {
		var status map[string]interface{}
		call(http.MethodGet, "/api/v1/filter", nil, &status)
		pretty, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(pretty))
	},
}

var filterReloadCmd = &cobra.Command{
	Use:   "reload [source]",
	Short: "Reload rules from a file or URL",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		payload := map[string]string{}
		if len(args) == 1 {
			payload["source"] = args[0]
		}
		var status map[string]interface{}
		call(http.MethodPost, "/api/v1/filter/reload", payload, &status)
		fmt.Printf("Loaded %v rules from %v\n", status["rules"], status["source"])
	},
}

var filterAddCmd = &cobra.Command{
	Use:   "add [rule]",
	Short: "Add a filter rule",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var result map[string]interface{}
		call(http.MethodPost, "/api/v1/filter/rules", map[string]string{"rule": args[0]}, &result)
		fmt.Printf("Rule added: %v\n", result["text"])
	},
}

var filterRemoveCmd = &cobra.Command{
	Use:   "remove [pattern]",
	Short: "Remove a filter rule",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		call(http.MethodDelete, "/api/v1/filter/rules?pattern="+url.QueryEscape(args[0]), nil, nil)
		fmt.Println("Rule removed")
	},
}

var filterEnableCmd = &cobra.Command{
	Use:   "enable [partition] [true|false]",
	Short: "Enable or disable filtering for a partition",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		enabled := args[1] == "true" || args[1] == "on"
		call(http.MethodPut, "/api/v1/filter/enabled",
			map[string]interface{}{"partition": args[0], "enabled": enabled}, nil)
		fmt.Printf("Filtering for %s partition: %v\n", args[0], enabled)
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [query]",
	Short: "List or search browsing history",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := "/api/v1/history"
		if len(args) == 1 {
			path += "?q=" + url.QueryEscape(args[0])
		}
		var result struct {
			History []map[string]interface{} `json:"history"`
		}
		call(http.MethodGet, path, nil, &result)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "URL\tTITLE\tVISITS\tLAST VISIT")
		for _, h := range result.History {
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\n",
				truncate(fmt.Sprint(h["url"]), 50),
				truncate(fmt.Sprint(h["title"]), 30),
				h["visit_count"],
				h["last_visit_at"])
		}
		w.Flush()
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear [url]",
	Short: "Delete one URL from history, or all of it with --all",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		switch {
		case all:
			call(http.MethodDelete, "/api/v1/history?all=true", nil, nil)
		case len(args) == 1:
			call(http.MethodDelete, "/api/v1/history?url="+url.QueryEscape(args[0]), nil, nil)
		default:
			fail(fmt.Errorf("pass a URL or --all"))
		}
		fmt.Println("History cleared")
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config file",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := "configs/config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := app.SaveConfig(domain.DefaultConfig(), path); err != nil {
			fail(err)
		}
		fmt.Printf("Config written to %s\n", path)
	},
}

func init() {
	windowOpenCmd.Flags().BoolP("private", "p", false, "Open a private window")
	downloadsAddCmd.Flags().StringP("filename", "f", "", "Suggested filename")
	downloadsListCmd.Flags().BoolP("active", "a", false, "Only running downloads")
	downloadsListCmd.Flags().StringP("state", "s", "", "Filter by state")
	downloadsClearCmd.Flags().Bool("all", false, "Also cancel and remove running downloads")
	historyClearCmd.Flags().Bool("all", false, "Clear all history")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
