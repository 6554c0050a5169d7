package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mnemo-io/mnemo/internal/config"
	"github.com/mnemo-io/mnemo/internal/store"
)

var reclaimCmd = &cobra.Command{
	Use:   "reclaim",
	Short: "Remove all expired memories",
	RunE:  runReclaim,
}

var statsCmd = &cobra.Command{
	Use:   "stats <owner-id>",
	Short: "Show an owner's memory statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

// openRecords opens the store for maintenance commands. These never touch
// record content, so the codec falls back to an ephemeral key when none is
// configured.
func openRecords(cfg config.Config) (*store.DB, *store.Records, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	codec, err := newCodec(cfg, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init codec: %w", err)
	}
	return db, store.NewRecords(db, codec), nil
}

func runReclaim(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, records, err := openRecords(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	count, err := records.ReclaimExpired(context.Background())
	if err != nil {
		return fmt.Errorf("reclaim: %w", err)
	}

	fmt.Printf("reclaimed %d expired memories\n", count)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	db, records, err := openRecords(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := records.Stats(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if st == nil {
		fmt.Printf("%s: no memories stored yet\n", args[0])
		return nil
	}

	fmt.Printf("owner:           %s\n", st.OwnerID)
	fmt.Printf("active memories: %d\n", st.ActiveMemories)
	fmt.Printf("total stored:    %d\n", st.TotalMemories)
	fmt.Printf("storage used:    %d bytes\n", st.StorageBytes)
	return nil
}
