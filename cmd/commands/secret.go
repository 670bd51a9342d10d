package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/kverlaen/crewd/internal/config"
	"github.com/kverlaen/crewd/internal/secrets"
)

// NewSecretCommand returns the secret subcommand.
func NewSecretCommand() *cli.Command {
	return &cli.Command{
		Name:  "secret",
		Usage: "Manage encrypted provider credentials",
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "Store a secret (prompts for the value)",
				ArgsUsage: "<NAME>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "dotenv",
						Usage: "Write to the .env file in plain text instead of the encrypted store",
					},
				},
				Action: runSecretSet,
			},
			{
				Name:   "list",
				Usage:  "List stored secret names",
				Action: runSecretList,
			},
			{
				Name:      "rm",
				Usage:     "Delete a secret",
				ArgsUsage: "<NAME>",
				Action:    runSecretRemove,
			},
		},
		DefaultCommand: "list",
	}
}

func runSecretSet(_ context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("usage: crewd secret set <NAME>")
	}

	fmt.Printf("Value for %s: ", name)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("read value: %w", err)
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return fmt.Errorf("empty value")
	}

	if cmd.Bool("dotenv") {
		if err := secrets.WriteDotenvEntry(config.DotenvPath(), name, value); err != nil {
			return fmt.Errorf("write dotenv: %w", err)
		}
		fmt.Printf("%s written to %s.\n", name, config.DotenvPath())
		return nil
	}

	store, err := secrets.Open("", "")
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	if err := store.Set(name, value); err != nil {
		return fmt.Errorf("store secret: %w", err)
	}

	fmt.Printf("Secret %s stored. Reference it as ${{ .Secret.%s }} in config.\n", name, name)
	return nil
}

func runSecretList(_ context.Context, _ *cli.Command) error {
	store, err := secrets.Open("", "")
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}

	names, err := store.List()
	if err != nil {
		return fmt.Errorf("list secrets: %w", err)
	}
	if len(names) == 0 {
		fmt.Println("No secrets stored.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runSecretRemove(_ context.Context, cmd *cli.Command) error {
	name := cmd.Args().First()
	if name == "" {
		return fmt.Errorf("usage: crewd secret rm <NAME>")
	}

	store, err := secrets.Open("", "")
	if err != nil {
		return fmt.Errorf("open secret store: %w", err)
	}
	if err := store.Delete(name); err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	fmt.Printf("Secret %s deleted.\n", name)
	return nil
}
