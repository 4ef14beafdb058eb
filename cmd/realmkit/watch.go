package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/changeset"
	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
)

func newWatchCommand() *cobra.Command {
	var class, sortBy string
	var descending bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print change sets and range events of a class as commits happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			if class == "" {
				return errors.New("--class is required")
			}
			appConfig, logger, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			opened, err := realm.Open(dynamicConfig(appConfig, true))
			if err != nil {
				return err
			}
			defer opened.Close()

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("watching class", zap.String("class", class), zap.String("path", opened.Path()))
			return watchClass(signalCtx, opened, class, sortBy, descending, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&class, "class", "", "Class to watch")
	cmd.Flags().StringVar(&sortBy, "sort", "", "Property to order the watched results by")
	cmd.Flags().BoolVar(&descending, "descending", false, "Order descending")
	return cmd
}

// watchClass prints the notifications of class until ctx ends. It must run on
// the goroutine that opened r.
func watchClass(ctx context.Context, r *realm.Realm, class, sortBy string, descending bool, out io.Writer) error {
	results, err := r.All(class)
	if err != nil {
		return err
	}
	if sortBy != "" {
		if results, err = results.OrderBy(sortBy, descending); err != nil {
			return err
		}
	}

	changesToken, err := results.Subscribe(func(current *realm.Results, changes *changeset.ChangeSet, err error) {
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		printChanges(out, current, changes)
	})
	if err != nil {
		return err
	}
	defer changesToken.Close()

	rangesToken, err := results.SubscribeRanges(func(events []changeset.RangeEvent, err error) {
		if err != nil {
			return
		}
		for _, event := range events {
			fmt.Fprintf(out, "range %s start=%d count=%d\n", event.Action, event.StartIndex, event.Count)
		}
	})
	if err != nil {
		return err
	}
	defer rangesToken.Close()

	if _, err := r.Refresh(); err != nil {
		return err
	}
	for {
		if err := r.WaitForChange(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func printChanges(out io.Writer, current *realm.Results, changes *changeset.ChangeSet) {
	count, err := current.Count()
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return
	}
	if changes == nil {
		fmt.Fprintf(out, "initial count=%d\n", count)
		return
	}
	fmt.Fprintf(out, "changes count=%d inserted=%v modified=%v deleted=%v\n",
		count, changes.InsertedIndices(), changes.ModifiedIndices(), changes.DeletedIndices())
}
