package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/org/capsulevault/internal/crypto"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "capsule",
	Short: "CapsuleVault CLI",
	Long:  "A CLI for creating and opening time-gated capsules in CapsuleVault.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with --format=raw)")

	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(getCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(deleteCmd())
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Save the identity provider bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Token = args[0]
			if err := saveConfig(); err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println("Token saved.")
			return nil
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random encryption key for the server config",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := crypto.GenerateKey()
			if err != nil {
				printError(err.Error())
				return nil
			}
			fmt.Println(key)
			return nil
		},
	}
}

func createCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new capsule",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, _ := cmd.Flags().GetString("text")
			unlockAt, _ := cmd.Flags().GetString("unlock-at")
			question, _ := cmd.Flags().GetString("question")
			answer, _ := cmd.Flags().GetString("answer")
			mediaFile, _ := cmd.Flags().GetString("media-file")
			mediaType, _ := cmd.Flags().GetString("media-type")

			body := map[string]any{
				"text":      text,
				"unlock_at": unlockAt,
			}
			if question != "" {
				body["question"] = question
				body["answer"] = answer
			}
			if mediaFile != "" {
				data, err := os.ReadFile(mediaFile)
				if err != nil {
					printError(err.Error())
					return nil
				}
				body["media"] = []map[string]any{{
					"type": mediaType,
					"data": base64.StdEncoding.EncodeToString(data),
				}}
			}

			result, err := newClient().post("/v1/capsules", body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("text", "", "Capsule text content")
	cmd.Flags().String("unlock-at", "", "Unlock time (RFC3339, at least 1 minute ahead)")
	cmd.Flags().String("question", "", "Optional security question")
	cmd.Flags().String("answer", "", "Answer to the security question")
	cmd.Flags().String("media-file", "", "Path to a media file to attach")
	cmd.Flags().String("media-type", "image", "Media kind: image or video")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your unlocked capsules",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/capsules")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show your next upcoming unlock time",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get("/v1/capsules/upcoming")
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func getCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a capsule, optionally answering its security question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			answer, _ := cmd.Flags().GetString("answer")
			client := newClient()

			var result map[string]any
			var err error
			if answer != "" {
				result, err = client.post("/v1/capsules/"+args[0]+"/unlock", map[string]any{"answer": answer})
			} else {
				result, err = client.get("/v1/capsules/" + args[0])
			}
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("answer", "", "Answer to the capsule's security question")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id> <answer>",
		Short: "Check an answer against a capsule's security question",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post("/v1/capsules/verify", map[string]any{
				"capsule_id": args[0],
				"answer":     args[1],
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}

func updateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a capsule you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("text") {
				text, _ := cmd.Flags().GetString("text")
				body["text"] = text
			}
			if cmd.Flags().Changed("unlock-at") {
				unlockAt, _ := cmd.Flags().GetString("unlock-at")
				body["unlock_at"] = unlockAt
			}
			if cmd.Flags().Changed("media-file") {
				mediaFile, _ := cmd.Flags().GetString("media-file")
				mediaType, _ := cmd.Flags().GetString("media-type")
				data, err := os.ReadFile(mediaFile)
				if err != nil {
					printError(err.Error())
					return nil
				}
				body["media"] = []map[string]any{{
					"type": mediaType,
					"data": base64.StdEncoding.EncodeToString(data),
				}}
			}
			if len(body) == 0 {
				printError("nothing to update: pass --text, --media-file, and/or --unlock-at")
				return nil
			}

			result, err := newClient().put("/v1/capsules/"+args[0], body)
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().String("text", "", "New text content")
	cmd.Flags().String("unlock-at", "", "New unlock time (RFC3339)")
	cmd.Flags().String("media-file", "", "Path to a media file (replaces existing content)")
	cmd.Flags().String("media-type", "image", "Media kind: image or video")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a capsule you own",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().delete("/v1/capsules/" + args[0])
			if err != nil {
				printError(err.Error())
				return nil
			}
			printResult(result)
			return nil
		},
	}
}
