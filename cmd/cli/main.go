package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	rootCmd   = &cobra.Command{
		Use:   "odm",
		Short: "Offline Data Manager CLI - durable download manager for binary assets",
		Long:  `A command-line interface for registering, downloading and retrieving versioned binary assets.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")

	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(eventsCmd)
}

var registerCmd = &cobra.Command{
	Use:   "register [id] [url]",
	Short: "Register a file for download",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		version, _ := cmd.Flags().GetUint64("version")
		priority, _ := cmd.Flags().GetInt("priority")
		ttl, _ := cmd.Flags().GetInt64("ttl")
		protected, _ := cmd.Flags().GetBool("protected")
		mime, _ := cmd.Flags().GetString("mime")

		payload := map[string]interface{}{
			"id":           args[0],
			"download_url": args[1],
			"version":      version,
			"priority":     priority,
			"ttl":          ttl,
			"protected":    protected,
		}
		if mime != "" {
			payload["mime_type"] = mime
		}

		data, _ := json.Marshal(payload)
		resp, err := http.Post(serverURL+"/api/v1/files", "application/json", bytes.NewBuffer(data))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusCreated {
			fmt.Fprintf(os.Stderr, "Error: %s\n", string(body))
			os.Exit(1)
		}

		var result map[string]interface{}
		json.Unmarshal(body, &result)
		fmt.Printf("File registered successfully!\n")
		fmt.Printf("ID: %s\n", result["id"])
		fmt.Printf("Status: %s\n", result["status"])
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all registered files",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Get(serverURL + "/api/v1/files")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		var all struct {
			Files []map[string]interface{} `json:"files"`
		}
		json.Unmarshal(body, &all)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tURL\tVERSION\tPRIORITY\tSTATUS\tPROGRESS")
		for _, f := range all.Files {
			progress := "-"
			if p, ok := f["percent"].(float64); ok {
				progress = fmt.Sprintf("%.0f%%", p)
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\t%s\n",
				truncate(f["id"].(string), 16),
				truncate(f["download_url"].(string), 40),
				f["version"],
				f["priority"],
				f["status"],
				progress)
		}
		w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show download statistics",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Get(serverURL + "/api/v1/files/stats")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		var stats map[string]interface{}
		json.Unmarshal(body, &stats)

		fmt.Println("Download Statistics:")
		fmt.Printf("  Total:       %v\n", stats["total"])
		fmt.Printf("  Pending:     %v\n", stats["pending"])
		fmt.Printf("  In Progress: %v\n", stats["in_progress"])
		fmt.Printf("  Paused:      %v\n", stats["paused"])
		fmt.Printf("  Complete:    %v\n", stats["complete"])
		fmt.Printf("  Expired:     %v\n", stats["expired"])
		fmt.Printf("  Failed:      %v\n", stats["failed"])
		fmt.Printf("  Deferred:    %v\n", stats["deferred"])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Get file status details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		resp, err := http.Get(serverURL + "/api/v1/files/" + id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			fmt.Fprintf(os.Stderr, "Error: %s\n", string(body))
			os.Exit(1)
		}

		var status map[string]interface{}
		json.Unmarshal(body, &status)

		fmt.Printf("File Details:\n")
		fmt.Printf("  ID:       %s\n", status["id"])
		fmt.Printf("  URL:      %s\n", status["download_url"])
		fmt.Printf("  Version:  %v\n", status["version"])
		fmt.Printf("  Status:   %s\n", status["status"])
		fmt.Printf("  Priority: %v\n", status["priority"])
		if status["mime_type"] != nil {
			fmt.Printf("  MIME:     %s\n", status["mime_type"])
		}
		if status["percent"] != nil {
			fmt.Printf("  Progress: %v%%\n", status["percent"])
		}
		if status["error_message"] != nil {
			fmt.Printf("  Error:    %s\n", status["error_message"])
		}
	},
}

var retrieveCmd = &cobra.Command{
	Use:   "retrieve [id]",
	Short: "Retrieve a downloaded file's payload",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		output, _ := cmd.Flags().GetString("output")

		resp, err := http.Get(serverURL + "/api/v1/files/" + id + "/content")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Error: %s\n", string(body))
			os.Exit(1)
		}

		var out *os.File
		if output == "" || output == "-" {
			out = os.Stdout
		} else {
			out, err = os.Create(output)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer out.Close()
		}

		n, err := io.Copy(out, resp.Body)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if out != os.Stdout {
			fmt.Printf("Wrote %d bytes to %s\n", n, output)
		}
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a registered file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		removeProtected, _ := cmd.Flags().GetBool("remove-protected")

		url := serverURL + "/api/v1/files/" + id
		if removeProtected {
			url += "?remove_protected=true"
		}

		req, _ := http.NewRequest(http.MethodDelete, url, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Error: %s\n", string(body))
			os.Exit(1)
		}
		fmt.Println("File deleted successfully")
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue all failed downloads",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Post(serverURL+"/api/v1/downloads/retry", "application/json", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		fmt.Println("Failed downloads requeued")
	},
}

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Show storage estimate",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Get(serverURL + "/api/v1/storage")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		var est map[string]interface{}
		json.Unmarshal(body, &est)

		fmt.Println("Storage Estimate:")
		fmt.Printf("  Usage:     %v bytes\n", est["usage"])
		fmt.Printf("  Quota:     %v bytes\n", est["quota"])
		fmt.Printf("  Available: %v bytes\n", est["available"])
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Stream server events in real time",
	Run: func(cmd *cobra.Command, args []string) {
		topics, _ := cmd.Flags().GetString("topics")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/api/v1/events/ws"
		if topics != "" {
			wsURL += "?topics=" + topics
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer conn.Close()

		// Close the connection cleanly on Ctrl-C
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		go func() {
			<-interrupt
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					return
				}
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}

			if jsonOutput {
				fmt.Println(string(msg))
				continue
			}

			var frame struct {
				Topic   string      `json:"topic"`
				Payload interface{} `json:"payload"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				fmt.Println(string(msg))
				continue
			}
			payload, _ := json.Marshal(frame.Payload)
			fmt.Printf("%-12s %s\n", frame.Topic, string(payload))
		}
	},
}

func init() {
	registerCmd.Flags().Uint64P("version", "v", 1, "File version (strict increase triggers refresh)")
	registerCmd.Flags().IntP("priority", "p", 10, "Download priority (lower = earlier)")
	registerCmd.Flags().Int64P("ttl", "t", 0, "Expiry TTL in seconds (0 = never)")
	registerCmd.Flags().Bool("protected", false, "Protect from deletion")
	registerCmd.Flags().StringP("mime", "m", "", "Expected MIME type")
	retrieveCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	deleteCmd.Flags().Bool("remove-protected", false, "Remove even if protected")
	eventsCmd.Flags().StringP("topics", "t", "", "Comma-separated topic filter (e.g. progress,complete)")
	eventsCmd.Flags().BoolP("json", "j", false, "Output raw JSON frames")
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
