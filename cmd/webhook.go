package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"message-aggregator/internal/directory"
)

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the chatbot webhook directory",
	}
	cmd.AddCommand(webhookListCmd())
	cmd.AddCommand(webhookSetCmd())
	cmd.AddCommand(webhookDeleteCmd())
	return cmd
}

func openDirectory(cmd *cobra.Command) (directory.Directory, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newDirectory(cmd.Context(), cfg)
}

func webhookListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := openDirectory(cmd)
			if err != nil {
				return err
			}
			hooks, err := dir.List(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(hooks)
			}

			ids := make([]string, 0, len(hooks))
			for id := range hooks {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHATBOT\tNAME\tWEBHOOK")
			for _, id := range ids {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", id, hooks[id].Name, hooks[id].Webhook)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func webhookSetCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "set <chatbotId> <url>",
		Short: "Create or replace the webhook for a chatbot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := openDirectory(cmd)
			if err != nil {
				return err
			}
			if err := dir.Put(cmd.Context(), args[0], directory.Webhook{Webhook: args[1], Name: name}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "webhook for %s updated\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name of the chatbot (required)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func webhookDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <chatbotId>",
		Short: "Remove the webhook for a chatbot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := openDirectory(cmd)
			if err != nil {
				return err
			}
			if err := dir.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "webhook for %s deleted\n", args[0])
			return nil
		},
	}
}
