package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/intake-pipeline/internal/model"
	"github.com/sells-group/intake-pipeline/internal/store"
)

var dlqListLimit int

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and requeue dead-lettered submissions",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		letters, err := st.ListDeadLetters(ctx, store.DeadLetterFilter{Limit: dlqListLimit})
		if err != nil {
			return eris.Wrap(err, "list dead letters")
		}
		if len(letters) == 0 {
			fmt.Println("dead-letter queue is empty")
			return nil
		}

		fmt.Printf("%-36s  %-36s  %-9s  %-8s  %-20s  %s\n",
			"ID", "SUBMISSION", "TYPE", "ATTEMPTS", "LAST FAILED", "ERROR")
		for _, dl := range letters {
			errMsg := dl.Error
			if len(errMsg) > 60 {
				errMsg = errMsg[:57] + "..."
			}
			fmt.Printf("%-36s  %-36s  %-9s  %-8d  %-20s  %s\n",
				dl.ID, dl.SubmissionID, dl.ErrorType, dl.Attempts,
				dl.LastFailed.Format(time.RFC3339), errMsg)
		}
		return nil
	},
}

var dlqRequeueCmd = &cobra.Command{
	Use:   "requeue <dead-letter-id>",
	Short: "Requeue a dead-lettered submission for another processing attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		letters, err := env.Store.ListDeadLetters(ctx, store.DeadLetterFilter{})
		if err != nil {
			return eris.Wrap(err, "list dead letters")
		}
		var target *model.DeadLetter
		for i := range letters {
			if letters[i].ID == id {
				target = &letters[i]
				break
			}
		}
		if target == nil {
			return eris.Errorf("dead letter %s not found", id)
		}

		sub, err := env.Store.GetSubmission(ctx, target.SubmissionID)
		if err != nil {
			return eris.Wrapf(err, "load submission %s", target.SubmissionID)
		}

		// Reset back to queued so the worker re-runs enrichment from scratch.
		sub.State = model.StateQueued
		sub.BlockedReason = ""
		if err := env.Store.UpdateSubmission(ctx, sub); err != nil {
			return eris.Wrap(err, "reset submission state")
		}

		item := &model.WorkItem{
			ID:           uuid.NewString(),
			SubmissionID: sub.ID,
			DedupKey:     sub.DedupKey,
			EnqueuedAt:   time.Now().UTC(),
		}
		if err := env.Queue.Enqueue(ctx, item); err != nil {
			return eris.Wrap(err, "enqueue work item")
		}

		if err := env.Store.DeleteDeadLetter(ctx, id); err != nil {
			return eris.Wrap(err, "delete dead letter")
		}

		zap.L().Info("dead letter requeued",
			zap.String("dead_letter_id", id),
			zap.String("submission_id", sub.ID),
		)
		fmt.Printf("requeued submission %s\n", sub.ID)
		return nil
	},
}

func init() {
	dlqListCmd.Flags().IntVar(&dlqListLimit, "limit", 50, "maximum records to list")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRequeueCmd)
	rootCmd.AddCommand(dlqCmd)
}
