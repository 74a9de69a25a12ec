package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/agentrelay/internal/api"
	"github.com/kalambet/agentrelay/internal/config"
	"github.com/kalambet/agentrelay/internal/stream"
)

// --- agents ---

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		return listAgents(cmd.Context(), client, cmd.OutOrStdout(), user)
	},
}

var agentsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an agent",
	Long: `Create an agent.

Examples:
  agentrelay agents create --user u1 --name "Support" --instructions "Answer shop questions"
  agentrelay agents create --user u1 --name "Docs" --source src_1 --source src_2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		body, err := agentBodyFromFlags(cmd)
		if err != nil {
			return err
		}
		var created api.AgentBody
		resp, err := client.post(cmd.Context(), "/agents", body)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Created agent %s", created.ID)
		return nil
	},
}

var agentsShowCmd = &cobra.Command{
	Use:   "show <agent-id>",
	Short: "Show an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var a api.AgentBody
		resp, err := client.get(cmd.Context(), "/agents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &a); err != nil {
			return err
		}
		printAgent(cmd.OutOrStdout(), a)
		return nil
	},
}

var agentsDeleteCmd = &cobra.Command{
	Use:   "delete <agent-id>",
	Short: "Delete an agent and its remote assistant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/agents/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted agent %s", args[0])
		return nil
	},
}

func listAgents(ctx context.Context, client *apiClient, w io.Writer, user string) error {
	path := "/agents"
	if user != "" {
		path += "?userId=" + url.QueryEscape(user)
	}
	var agents []api.AgentBody
	resp, err := client.get(ctx, path)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Fprintln(w, "No agents.")
		return nil
	}
	for _, a := range agents {
		name := ""
		if a.Name != nil {
			name = *a.Name
		}
		fmt.Fprintf(w, "%s  %-24s  %s\n", bold.Sprint(a.ID), name, statusColor(a.TrainingStatus))
	}
	return nil
}

func agentBodyFromFlags(cmd *cobra.Command) (api.AgentBody, error) {
	f := cmd.Flags()
	user, _ := f.GetString("user")
	name, _ := f.GetString("name")
	if user == "" || name == "" {
		return api.AgentBody{}, errors.New("--user and --name are required")
	}
	body := api.AgentBody{UserID: user, Name: &name}
	if f.Changed("instructions") {
		v, _ := f.GetString("instructions")
		body.Instructions = &v
	}
	if f.Changed("model") {
		v, _ := f.GetString("model")
		body.Model = &v
	}
	if f.Changed("temperature") {
		v, _ := f.GetFloat64("temperature")
		body.Temperature = &v
	}
	if f.Changed("error-message") {
		v, _ := f.GetString("error-message")
		body.ErrorMessage = &v
	}
	body.SourceIDs, _ = f.GetStringSlice("source")
	return body, nil
}

func printAgent(w io.Writer, a api.AgentBody) {
	str := func(p *string) string {
		if p == nil {
			return ""
		}
		return *p
	}
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("ID:"), a.ID)
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("Name:"), str(a.Name))
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("User:"), a.UserID)
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("Model:"), str(a.Model))
	if a.AssistantID != "" {
		fmt.Fprintf(w, "%s %s\n", bold.Sprint("Assistant:"), a.AssistantID)
	}
	fmt.Fprintf(w, "%s %s\n", bold.Sprint("Training:"), statusColor(a.TrainingStatus))
	if a.TrainingMessage != "" {
		fmt.Fprintf(w, "%s %s\n", bold.Sprint("Message:"), a.TrainingMessage)
	}
	if len(a.SourceIDs) > 0 {
		fmt.Fprintf(w, "%s %s\n", bold.Sprint("Sources:"), strings.Join(a.SourceIDs, ", "))
	}
}

func statusColor(status string) string {
	switch status {
	case "success":
		return green.Sprint(status)
	case "error":
		return red.Sprint(status)
	case "training":
		return yellow.Sprint(status)
	default:
		return status
	}
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage knowledge sources",
}

var sourcesCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a knowledge source",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		user, _ := cmd.Flags().GetString("user")
		name, _ := cmd.Flags().GetString("name")
		desc, _ := cmd.Flags().GetString("description")
		if user == "" || name == "" {
			return errors.New("--user and --name are required")
		}
		var created api.SourceBody
		resp, err := client.post(cmd.Context(), "/sources", api.SourceBody{UserID: user, Name: name, Description: desc})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Created source %s", created.ID)
		return nil
	},
}

var sourcesAddTextCmd = &cobra.Command{
	Use:   "add-text <source-id> <content>",
	Short: "Add a text block to a source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAddItem(cmd, args[0], "texts", api.ItemBody{Content: args[1]})
	},
}

var sourcesAddQACmd = &cobra.Command{
	Use:   "add-qa <source-id>",
	Short: "Add a question and answer pair to a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _ := cmd.Flags().GetString("question")
		a, _ := cmd.Flags().GetString("answer")
		if q == "" || a == "" {
			return errors.New("--question and --answer are required")
		}
		return runAddItem(cmd, args[0], "qa", api.ItemBody{Question: q, Answer: a})
	},
}

var sourcesAddURLCmd = &cobra.Command{
	Use:   "add-url <source-id> <url>",
	Short: "Add a website to a source",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAddItem(cmd, args[0], "websites", api.ItemBody{URL: args[1]})
	},
}

func runAddItem(cmd *cobra.Command, sourceID, kind string, item api.ItemBody) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := addItem(cmd.Context(), client, sourceID, kind, item); err != nil {
		return err
	}
	printSuccess("Added %s item to source %s", kind, sourceID)
	return nil
}

func addItem(ctx context.Context, client *apiClient, sourceID, kind string, item api.ItemBody) error {
	resp, err := client.post(ctx, "/sources/"+url.PathEscape(sourceID)+"/"+kind, item)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// --- users ---

var planCmd = &cobra.Command{
	Use:   "plan <user-id> <plan>",
	Short: "Set a user's subscription plan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/users/"+url.PathEscape(args[0])+"/plan", map[string]string{"plan": args[1]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("User %s is on plan %s", args[0], strings.ToUpper(args[1]))
		return nil
	},
}

// --- train ---

var trainCmd = &cobra.Command{
	Use:   "train <agent-id>",
	Short: "Rebuild an agent's knowledge from its sources",
	Long: `Rebuild an agent's knowledge from its sources.

By default each source is uploaded as one combined document. Pass --quality
to upload chunked documents instead.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")
		quality, _ := cmd.Flags().GetBool("quality")

		printStep("Training agent %s", args[0])
		res, err := trainAgent(cmd.Context(), client, args[0], force, !quality)
		if err != nil {
			return err
		}
		printSuccess("%s", res.Message)
		printStatus("Assistant", "%s", res.AssistantID)
		printStatus("Trained at", "%s", res.LastTrainedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

func trainAgent(ctx context.Context, client *apiClient, agentID string, force, speed bool) (api.TrainResponse, error) {
	req := api.TrainRequest{ForceRetrain: force, OptimizeForSpeed: &speed}
	var res api.TrainResponse
	resp, err := client.post(ctx, "/agents/"+url.PathEscape(agentID)+"/train", req)
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <agent-id> <message>",
	Short: "Send a message to an agent and stream the reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		thread, _ := cmd.Flags().GetString("thread")
		threadID, err := chatAgent(cmd.Context(), client, cmd.OutOrStdout(), args[0], args[1], thread)
		if threadID != "" {
			printStatus("Thread", "%s", threadID)
		}
		return err
	},
}

// chatAgent streams one turn to w and returns the thread id the server used.
func chatAgent(ctx context.Context, client *apiClient, w io.Writer, agentID, message, threadID string) (string, error) {
	resp, err := client.post(ctx, "/agents/"+url.PathEscape(agentID)+"/chat", api.ChatRequest{ThreadID: threadID, Message: message})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	if ct := resp.Header.Get("Content-Type"); resp.StatusCode != http.StatusOK || !strings.HasPrefix(ct, "text/plain") {
		return "", fmt.Errorf("unexpected response %d (%s)", resp.StatusCode, ct)
	}

	var (
		openDelta bool
		failure   string
	)
	closeDelta := func() {
		if openDelta {
			fmt.Fprintln(w)
			openDelta = false
		}
	}
	err = readFrames(resp.Body, func(code byte, payload json.RawMessage) error {
		switch code {
		case stream.CodeControl:
			var c struct {
				ThreadID string `json:"threadId"`
			}
			if err := json.Unmarshal(payload, &c); err != nil {
				return fmt.Errorf("decoding control frame: %w", err)
			}
			threadID = c.ThreadID
		case stream.CodeText:
			var text string
			if err := json.Unmarshal(payload, &text); err != nil {
				return fmt.Errorf("decoding text frame: %w", err)
			}
			fmt.Fprint(w, text)
			openDelta = true
		case stream.CodeAssistantMessage:
			closeDelta()
			var m struct {
				Content []struct {
					Text struct {
						Value string `json:"value"`
					} `json:"text"`
				} `json:"content"`
			}
			if err := json.Unmarshal(payload, &m); err != nil {
				return fmt.Errorf("decoding message frame: %w", err)
			}
			for _, c := range m.Content {
				if c.Text.Value != "" {
					fmt.Fprintln(w, c.Text.Value)
				}
			}
		case stream.CodeError:
			closeDelta()
			if err := json.Unmarshal(payload, &failure); err != nil {
				return fmt.Errorf("decoding error frame: %w", err)
			}
		}
		return nil
	})
	closeDelta()
	if err != nil {
		return threadID, err
	}
	if failure != "" {
		return threadID, fmt.Errorf("server error: %s", failure)
	}
	return threadID, nil
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
		cfg, err := config.LoadClient()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", bold.Sprint(k.Key), k.Value)
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

func init() {
	agentsListCmd.Flags().String("user", "", "only list agents owned by this user")
	agentsCreateCmd.Flags().String("user", "", "owning user id")
	agentsCreateCmd.Flags().String("name", "", "agent name")
	agentsCreateCmd.Flags().String("instructions", "", "assistant instructions")
	agentsCreateCmd.Flags().String("model", "", "model name")
	agentsCreateCmd.Flags().Float64("temperature", 1, "sampling temperature (0-2)")
	agentsCreateCmd.Flags().String("error-message", "", "reply sent when a turn fails")
	agentsCreateCmd.Flags().StringSlice("source", nil, "knowledge source id (repeatable)")
	agentsCmd.AddCommand(agentsListCmd, agentsCreateCmd, agentsShowCmd, agentsDeleteCmd)

	sourcesCreateCmd.Flags().String("user", "", "owning user id")
	sourcesCreateCmd.Flags().String("name", "", "source name")
	sourcesCreateCmd.Flags().String("description", "", "source description")
	sourcesAddQACmd.Flags().String("question", "", "question text")
	sourcesAddQACmd.Flags().String("answer", "", "answer text")
	sourcesCmd.AddCommand(sourcesCreateCmd, sourcesAddTextCmd, sourcesAddQACmd, sourcesAddURLCmd)

	trainCmd.Flags().Bool("force", false, "reprocess sources even when fresh uploads exist")
	trainCmd.Flags().Bool("quality", false, "upload chunked documents instead of one per source")

	chatCmd.Flags().String("thread", "", "continue an existing thread")

	configCmd.AddCommand(configShowCmd, configSetCmd)
}
