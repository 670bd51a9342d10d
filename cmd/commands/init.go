package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/kverlaen/crewd/internal/config"
)

// NewInitCommand returns the onboarding subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Initialize the crewd home directory (~/.crewd)",
		Action: runInit,
	}
}

func runInit(_ context.Context, _ *cli.Command) error {
	root := config.CrewdPath()
	created := false

	dirs := []string{
		root,
		filepath.Join(root, "intake"),
		filepath.Join(root, "memory"),
		filepath.Join(root, "objectives"),
		config.SecretsPath(),
	}
	for _, d := range dirs {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Printf("  Created %s\n", d)
			created = true
		}
	}

	configPath := config.ConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("  Created %s\n", configPath)
		created = true
	}

	dotenvPath := config.DotenvPath()
	if _, err := os.Stat(dotenvPath); err != nil {
		if err := os.WriteFile(dotenvPath, []byte(defaultDotenv), 0o600); err != nil {
			return fmt.Errorf("write .env: %w", err)
		}
		fmt.Printf("  Created %s\n", dotenvPath)
		created = true
	}

	if !created {
		fmt.Printf("Already initialized, %s is complete. Nothing to do.\n", root)
		return nil
	}

	fmt.Printf(`
Home set up at %s

Next steps:
  1. Set the worker command in %s (executor.command)
  2. Drop API keys in %s/.env or run: crewd secret set ANTHROPIC_API_KEY
  3. Run: crewd up
`, root, configPath, root)
	return nil
}

const defaultConfig = `{
	// crewd configuration

	"gateway": {
		"enabled": true,
		"host": "127.0.0.1",
		"port": 17717
	},

	"store": {
		"driver": "sqlite"
	},

	"executor": {
		// Worker command line. {task} placeholders are not expanded;
		// task context arrives on the worker's stdin as JSON.
		"command": "crewd-worker"
	},

	"agents": {
		"defs": [
			{ "name": "worker-1", "skills": ["general"] },
			{ "name": "worker-2", "skills": ["general"] }
		]
	},

	"models": {
		"default": "claude",
		"providers": {
			"claude": {
				"driver": "anthropic",
				"model": "claude-sonnet-4-5",
				"auth": {
					"api_key": "${{ .Env.ANTHROPIC_API_KEY }}"
				},
				"max_tokens": 4096
			}

			// Local model via Ollama (no auth required)
			// "local": {
			// 	"driver": "ollama",
			// 	"model": "llama3.1:8b",
			// 	"base_url": "http://localhost:11434"
			// }
		}
	},

	"planner": {
		"enabled": false
	}
}
`

const defaultDotenv = `# crewd environment variables
# This file is loaded automatically. Existing env vars are never overridden.

# ANTHROPIC_API_KEY=sk-ant-...
# OPENAI_API_KEY=sk-...
`
