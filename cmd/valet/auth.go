package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mkatzman/valet/internal/config"
	"github.com/mkatzman/valet/internal/store"
)

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
		Long:  "Credentials are stored in the Valet database under auth:<name> keys.",
	}

	cmd.AddCommand(newAuthSetCmd())
	return cmd
}

func newAuthSetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a credential",
		Long:  "Prompts for a secret value (hidden when stdin is a terminal) and stores it under auth:<name>.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthSet(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "valet.yaml", "path to Valet config file")
	return cmd
}

func runAuthSet(cmd *cobra.Command, configPath, name string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := connectFromConfig(cfg)
	if err != nil {
		return err
	}
	st, err := store.New(gormDB)
	if err != nil {
		return err
	}

	secret, err := readSecret(cmd, name)
	if err != nil {
		return err
	}
	if secret == "" {
		return fmt.Errorf("valet: empty value for %s", name)
	}

	if err := st.Set("auth:"+name, secret); err != nil {
		return err
	}
	fmt.Fprintf(out, "Stored auth:%s\n", name)
	return nil
}

// readSecret reads the secret without echo when stdin is a terminal, and
// falls back to a plain line read otherwise (pipes, tests).
func readSecret(cmd *cobra.Command, name string) (string, error) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Value for %s: ", name)

	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("valet: read secret: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("valet: read secret: %w", err)
		}
		return "", nil
	}
	return strings.TrimSpace(scanner.Text()), nil
}
