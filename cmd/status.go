package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/intake-pipeline/internal/monitoring"
	"github.com/sells-group/intake-pipeline/internal/queue"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline health metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		// Queue depth is only reachable when the queue shares the store's
		// backend; skip it otherwise rather than failing the whole status.
		var q queue.Queue
		if qq, err := initQueue(st); err == nil {
			q = qq
			defer qq.Close()
		}

		snap, err := monitoring.NewCollector(st, q).Collect(ctx)
		if err != nil {
			return err
		}

		if statusJSON {
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Printf("Submissions (%d total)\n", snap.Total)
		fmt.Printf("  received      %d\n", snap.Received)
		fmt.Printf("  validated     %d\n", snap.Validated)
		fmt.Printf("  queued        %d\n", snap.Queued)
		fmt.Printf("  enriching     %d\n", snap.Enriching)
		fmt.Printf("  classified    %d\n", snap.Classified)
		fmt.Printf("  dispatched    %d\n", snap.Dispatched)
		fmt.Printf("  blocked       %d\n", snap.Blocked)
		fmt.Printf("  dead_lettered %d\n", snap.DeadLettered)
		fmt.Printf("Block rate: %.1f%%\n", snap.BlockRate*100)
		if q != nil {
			fmt.Printf("Queue depth: %d\n", snap.QueueDepth)
		}
		fmt.Printf("DLQ depth: %d\n", snap.DLQDepth)
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(statusCmd)
}
