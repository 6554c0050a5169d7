package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mnemo-io/mnemo/internal/config"
	"github.com/mnemo-io/mnemo/internal/ledger"
)

var (
	keysEmail   string
	keysCredits int64
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys and credit balances",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key with an initial credit balance",
	RunE:  runKeysCreate,
}

var keysBalanceCmd = &cobra.Command{
	Use:   "balance <key>",
	Short: "Show the credit balance for an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeysBalance,
}

func init() {
	keysCreateCmd.Flags().StringVar(&keysEmail, "email", "", "Owner email recorded with the key")
	keysCreateCmd.Flags().Int64Var(&keysCredits, "credits", 0, "Initial credit balance")

	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysBalanceCmd)
}

func runKeysCreate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	key, err := ledger.New(db).CreateKey(context.Background(), keysEmail, keysCredits)
	if err != nil {
		return fmt.Errorf("create key: %w", err)
	}

	// Shown once; the key is never re-exposed.
	fmt.Println(key)
	return nil
}

func runKeysBalance(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	balance, err := ledger.New(db).Balance(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}

	fmt.Printf("%d credits\n", balance)
	return nil
}
