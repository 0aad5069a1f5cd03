package client

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
)

const defaultServerURL = "http://localhost:8080"

type multiFlag []string

func (f *multiFlag) String() string { return strings.Join(*f, ", ") }

func (f *multiFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

// Run is the entry point for "deepchat client [args...]".
func Run(args []string) {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	urlFlag := fs.String("url", defaultServerURL, "Server URL (http://host:port)")
	userFlag := fs.String("user", os.Getenv("DEEPCHAT_USER"), "User ID to authenticate as (or $DEEPCHAT_USER)")
	var headerFlags multiFlag
	fs.Var(&headerFlags, "H", `Extra HTTP header ("Name: Value", can be repeated)`)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Deepchat CLI client\n\n")
		fmt.Fprintf(fs.Output(), "Usage: deepchat client [flags] <subcommand> [args...]\n\n")
		fmt.Fprintf(fs.Output(), "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprintf(fs.Output(), "\nSubcommands:\n")
		fmt.Fprintf(fs.Output(), "  chat    Send a prompt (new or existing chat) and print the reply\n")
		fmt.Fprintf(fs.Output(), "  list    List chats\n")
		fmt.Fprintf(fs.Output(), "  new     Create a chat\n")
		fmt.Fprintf(fs.Output(), "  rename  Rename a chat\n")
		fmt.Fprintf(fs.Output(), "  delete  Delete a chat\n")
		fmt.Fprintf(fs.Output(), "  help    Print detailed help\n")
	}
	fs.Parse(args)

	headers := make(map[string]string)
	for _, h := range headerFlags {
		parts := strings.SplitN(h, ":", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid header %q (expected \"Name: Value\")\n", h)
			os.Exit(1)
		}
		headers[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}

	api := NewAPI(*urlFlag, *userFlag, headers)

	subArgs := fs.Args()
	if len(subArgs) == 0 {
		fs.Usage()
		os.Exit(1)
	}

	switch subArgs[0] {
	case "chat":
		cmdChat(api, subArgs[1:])
	case "list":
		cmdList(api, subArgs[1:])
	case "new":
		cmdNew(api, subArgs[1:])
	case "rename":
		cmdRename(api, subArgs[1:])
	case "delete":
		cmdDelete(api, subArgs[1:])
	case "help":
		cmdHelp()
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", subArgs[0])
		fs.Usage()
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func cmdChat(api *API, args []string) {
	fs := flag.NewFlagSet("client chat", flag.ExitOnError)
	prompt := fs.String("p", "", "Prompt to send (required)")
	chatID := fs.String("c", "", "Chat ID to continue (creates a new chat if omitted)")
	fs.Parse(args)

	if *prompt == "" {
		fmt.Fprintf(os.Stderr, "Error: -p PROMPT is required\n")
		os.Exit(1)
	}

	ctx := context.Background()

	target := *chatID
	if target == "" {
		chat, err := api.CreateChat(ctx)
		if err != nil {
			fatal(err)
		}
		target = chat.ChatID
	}

	reply, err := api.Complete(ctx, target, *prompt)
	if err != nil {
		fatal(err)
	}

	json.NewEncoder(os.Stdout).Encode(map[string]any{
		"chatId": target,
		"reply":  reply.Content,
	})
}

func cmdList(api *API, args []string) {
	fs := flag.NewFlagSet("client list", flag.ExitOnError)
	fs.Parse(args)

	chats, err := api.ListChats(context.Background())
	if err != nil {
		fatal(err)
	}

	for _, chat := range chats {
		json.NewEncoder(os.Stdout).Encode(map[string]any{
			"chatId":    chat.ChatID,
			"name":      chat.Name,
			"messages":  len(chat.Messages),
			"updatedAt": chat.UpdatedAt,
		})
	}
}

func cmdNew(api *API, args []string) {
	fs := flag.NewFlagSet("client new", flag.ExitOnError)
	fs.Parse(args)

	chat, err := api.CreateChat(context.Background())
	if err != nil {
		fatal(err)
	}

	json.NewEncoder(os.Stdout).Encode(map[string]any{
		"chatId": chat.ChatID,
		"name":   chat.Name,
	})
}

func cmdRename(api *API, args []string) {
	fs := flag.NewFlagSet("client rename", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() < 2 {
		fmt.Fprintf(os.Stderr, "Usage: deepchat client rename CHAT_ID NAME\n")
		os.Exit(1)
	}

	if err := api.RenameChat(context.Background(), fs.Arg(0), fs.Arg(1)); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "Renamed %s\n", fs.Arg(0))
}

func cmdDelete(api *API, args []string) {
	fs := flag.NewFlagSet("client delete", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Usage: deepchat client delete CHAT_ID\n")
		os.Exit(1)
	}

	if err := api.DeleteChat(context.Background(), fs.Arg(0)); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stderr, "Deleted %s\n", fs.Arg(0))
}

func cmdHelp() {
	fmt.Printf(`Deepchat CLI Client

Usage:
  deepchat client [flags] <subcommand> [args...]

Flags:
  -url URL     Server URL (default: %s)
  -user ID     User ID to authenticate as (default: $DEEPCHAT_USER)
  -H HEADER    Extra HTTP header "Name: Value" (can be repeated)

Subcommands:
  chat -p PROMPT [-c CHAT_ID]
      Send a prompt. Creates a new chat unless -c is given.
      Prints JSON with chatId and the assistant reply.

  list
      List chats as JSON lines, most recently updated first.

  new
      Create a chat and print its ID.

  rename CHAT_ID NAME
      Rename a chat.

  delete CHAT_ID
      Delete a chat and its history.

  help
      Print this help text.

Examples:
  # Start a chat and continue it
  ID=$(deepchat client -user alice chat -p "hello" | jq -r .chatId)
  deepchat client -user alice chat -c "$ID" -p "tell me more"

  # Housekeeping
  deepchat client -user alice list
  deepchat client -user alice rename "$ID" "Greetings"
  deepchat client -user alice delete "$ID"
`, defaultServerURL)
}
