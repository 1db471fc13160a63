package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/chatdesk/internal/config"
	"github.com/kalambet/chatdesk/internal/storage"
)

type intentBody struct {
	Name     string   `json:"intent_name"`
	Examples []string `json:"examples"`
}

type messageBody struct {
	Message string `json:"message"`
}

// splitExamples accepts repeated --example flags and "a|b|c" lists.
func splitExamples(values []string) []string {
	out := []string{}
	for _, v := range values {
		for _, ex := range strings.Split(v, "|") {
			if ex = strings.TrimSpace(ex); ex != "" {
				out = append(out, ex)
			}
		}
	}
	return out
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send one message through the chat endpoint",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sender, _ := cmd.Flags().GetString("sender")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, cmd.OutOrStdout(), sender, strings.Join(args, " "))
	},
}

func runChat(ctx context.Context, client *apiClient, w io.Writer, sender, message string) error {
	resp, err := client.post(ctx, "/chat", map[string]string{"message": message, "sender": sender})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var replies []map[string]any
	switch {
	case resp.StatusCode == http.StatusInternalServerError && json.Unmarshal(body, &replies) == nil:
		// The fallback replies still come back with a 500.
		printWarning("the bot service did not answer; the message was queued for triage")
	case resp.StatusCode >= 400:
		return statusError(resp.StatusCode, body)
	default:
		if err := json.Unmarshal(body, &replies); err != nil {
			return fmt.Errorf("decoding replies: %w", err)
		}
	}
	if jsonOutput {
		return printJSON(w, replies)
	}
	for _, r := range replies {
		if text, ok := r["text"].(string); ok {
			fmt.Fprintf(w, "%s %s\n", colorize(colorCyan, "bot>"), text)
		}
	}
	return nil
}

func init() {
	chatCmd.Flags().String("sender", "cli", "conversation id sent to the classifier")
}

// --- intents ---

var intentsCmd = &cobra.Command{
	Use:   "intents",
	Short: "Manage intents and their examples",
}

var intentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List intents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/intents")
		if err != nil {
			return err
		}
		var list []storage.Intent
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(w, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(w, "No intents found.")
			return nil
		}
		for _, in := range list {
			fmt.Fprintf(w, "%s  %-24s %d examples\n", colorize(colorCyan, in.ID), in.Name, len(in.Examples))
		}
		return nil
	},
}

var intentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/intents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var in storage.Intent
		if err := decodeJSON(resp, &in); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(w, in)
		}
		fmt.Fprintf(w, "%s %s\n", colorize(colorBold, in.Name), colorize(colorCyan, in.ID))
		fmt.Fprintf(w, "  created %s, updated %s\n", in.CreatedAt.Format(time.RFC3339), in.UpdatedAt.Format(time.RFC3339))
		for _, ex := range in.Examples {
			fmt.Fprintf(w, "  - %s\n", ex)
		}
		return nil
	},
}

var intentsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create an intent",
	Long: `Create an intent.

Examples:
  chatdesk intents create greet --example hi --example "hello there"
  chatdesk intents create goodbye --example "bye|see you"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		examples, _ := cmd.Flags().GetStringArray("example")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/intents", intentBody{Name: args[0], Examples: splitExamples(examples)})
		if err != nil {
			return err
		}
		var in storage.Intent
		if err := decodeJSON(resp, &in); err != nil {
			return err
		}
		printSuccess("Created intent %s (%s)", in.Name, in.ID)
		return nil
	},
}

var intentsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Replace an intent's name and examples",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		examples, _ := cmd.Flags().GetStringArray("example")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/intents/" + url.PathEscape(args[0])

		if name == "" || !cmd.Flags().Changed("example") {
			resp, err := client.get(cmd.Context(), path)
			if err != nil {
				return err
			}
			var current storage.Intent
			if err := decodeJSON(resp, &current); err != nil {
				return err
			}
			if name == "" {
				name = current.Name
			}
			if !cmd.Flags().Changed("example") {
				examples = current.Examples
			}
		}

		resp, err := client.put(cmd.Context(), path, intentBody{Name: name, Examples: splitExamples(examples)})
		if err != nil {
			return err
		}
		var in storage.Intent
		if err := decodeJSON(resp, &in); err != nil {
			return err
		}
		printSuccess("Updated intent %s (%d examples)", in.Name, len(in.Examples))
		return nil
	},
}

var intentsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This permanently deletes intent %s. Use --confirm to proceed.", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/intents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result messageBody
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("%s", result.Message)
		return nil
	},
}

var intentsImportCmd = &cobra.Command{
	Use:   "import <nlu.yml>",
	Short: "Load intents from Rasa NLU training data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replace, _ := cmd.Flags().GetBool("replace")

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening training data: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.doRaw(cmd.Context(), http.MethodPost, fmt.Sprintf("/intents/import?replace=%t", replace), "application/x-yaml", f)
		if err != nil {
			return err
		}
		var res struct {
			Created int `json:"created"`
			Updated int `json:"updated"`
			Deleted int `json:"deleted"`
			Skipped int `json:"skipped"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printSuccess("Imported %s: %d created, %d updated, %d deleted, %d skipped",
			args[0], res.Created, res.Updated, res.Deleted, res.Skipped)
		return nil
	},
}

var intentsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write all intents as Rasa NLU training data",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/intents/export")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("writing training data: %w", err)
		}
		if output != "" {
			printSuccess("Training data exported to %s", output)
		}
		return nil
	},
}

func init() {
	intentsCreateCmd.Flags().StringArray("example", nil, "example utterance (repeatable, or a|b|c)")
	intentsUpdateCmd.Flags().String("name", "", "new intent name (default: keep)")
	intentsUpdateCmd.Flags().StringArray("example", nil, "replacement examples (repeatable, or a|b|c)")
	intentsDeleteCmd.Flags().Bool("confirm", false, "confirm deletion")
	intentsImportCmd.Flags().Bool("replace", false, "delete all existing intents first")
	intentsExportCmd.Flags().String("output", "", "output file path (default: stdout)")

	intentsCmd.AddCommand(intentsListCmd)
	intentsCmd.AddCommand(intentsShowCmd)
	intentsCmd.AddCommand(intentsCreateCmd)
	intentsCmd.AddCommand(intentsUpdateCmd)
	intentsCmd.AddCommand(intentsDeleteCmd)
	intentsCmd.AddCommand(intentsImportCmd)
	intentsCmd.AddCommand(intentsExportCmd)
}

// --- queries ---

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "Triage messages the classifier could not handle",
}

var queriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List unclassified queries, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/unclassified-queries")
		if err != nil {
			return err
		}
		var list []storage.UnclassifiedQuery
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(w, list)
		}
		if len(list) == 0 {
			fmt.Fprintln(w, "No unclassified queries.")
			return nil
		}
		for _, q := range list {
			fmt.Fprintf(w, "%s  %s  %s\n",
				colorize(colorCyan, q.ID),
				q.FirstSeen.Format(time.RFC3339),
				truncate(q.Text, 80),
			)
		}
		return nil
	},
}

var queriesResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "File a query under an intent as a new example",
	Long: `File a query under an intent as a new example. The intent is created
if it does not exist. Without --example the query text itself is used.

Examples:
  chatdesk queries resolve 3f2a... --intent order_status
  chatdesk queries resolve 3f2a... --intent greet --example "hiya"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		intent, _ := cmd.Flags().GetString("intent")
		example, _ := cmd.Flags().GetString("example")
		if strings.TrimSpace(intent) == "" {
			return fmt.Errorf("--intent is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runResolve(cmd.Context(), client, args[0], intent, example)
	},
}

func runResolve(ctx context.Context, client *apiClient, queryID, intent, example string) error {
	if example == "" {
		resp, err := client.get(ctx, "/unclassified-queries/"+url.PathEscape(queryID))
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			return fmt.Errorf("query %s not found; pass --example to resolve it anyway", queryID)
		}
		var q storage.UnclassifiedQuery
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}
		example = q.Text
	}

	resp, err := client.post(ctx, "/unclassified-queries/handle", map[string]string{
		"queryId":    queryID,
		"intentName": intent,
		"example":    example,
	})
	if err != nil {
		return err
	}
	var result messageBody
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Added %q to intent %s", example, intent)
	return nil
}

var queriesDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a query without using it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This discards query %s. Use --confirm to proceed.", args[0])
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/unclassified-queries/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result messageBody
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("%s", result.Message)
		return nil
	},
}

func init() {
	queriesResolveCmd.Flags().String("intent", "", "intent name to file the query under")
	queriesResolveCmd.Flags().String("example", "", "example text (default: the query text)")
	queriesDiscardCmd.Flags().Bool("confirm", false, "confirm discard")

	queriesCmd.AddCommand(queriesListCmd)
	queriesCmd.AddCommand(queriesResolveCmd)
	queriesCmd.AddCommand(queriesDiscardCmd)
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

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "# %s\n", config.ConfigPath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
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
	Short: "Remove a value from the config file",
	Long:  "Remove a value from the config file so the default applies again.\n\nValid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
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
