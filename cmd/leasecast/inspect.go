package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"leasecast/pkg/app"
	"leasecast/pkg/models"
	"leasecast/pkg/storage"
)

func newLeaseCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lease",
		Short: "Print the current primary lease from the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var lease *models.OwnerLease
			err := withStore(cmd.Context(), rootOpts, "cli read lease", func(ctx context.Context, tx storage.Tx) error {
				var err error
				lease, err = tx.Owner().Get(ctx)
				return err
			})
			if err != nil {
				return err
			}
			return printLease(cmd.OutOrStdout(), rootOpts.Format, lease, time.Now())
		},
	}
}

func newInstancesCommand(rootOpts *rootOptions) *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Print instance records from the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var records []models.InstanceRecord
			err := withStore(cmd.Context(), rootOpts, "cli read instances", func(ctx context.Context, tx storage.Tx) error {
				var err error
				records, err = tx.Instances().All(ctx)
				return err
			})
			if err != nil {
				return err
			}
			return printInstances(cmd.OutOrStdout(), rootOpts.Format, records, time.Now(), staleAfter)
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 5*time.Second, "age after which a record is marked stale")
	return cmd
}

func withStore(ctx context.Context, opts *rootOptions, label string, fn func(ctx context.Context, tx storage.Tx) error) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	store, err := app.OpenStore(cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer store.Close()
	return store.RunTransaction(ctx, label, fn)
}

func printLease(w io.Writer, format string, lease *models.OwnerLease, now time.Time) error {
	if format == "json" {
		return json.NewEncoder(w).Encode(struct {
			Lease *models.OwnerLease `json:"lease"`
			Valid bool               `json:"valid"`
		}{lease, lease.ValidAt(now)})
	}
	if lease == nil {
		_, err := fmt.Fprintln(w, "no lease")
		return err
	}
	state := "valid"
	if !lease.ValidAt(now) {
		state = "expired"
	}
	_, err := fmt.Fprintf(w, "owner:  %s\nexpiry: %s (%s)\n",
		lease.OwnerInstanceID, lease.LeaseExpiry.Format(time.RFC3339Nano), state)
	return err
}

func printInstances(w io.Writer, format string, records []models.InstanceRecord, now time.Time, staleAfter time.Duration) error {
	sort.Slice(records, func(i, j int) bool {
		if records[i].OwnerUserID != records[j].OwnerUserID {
			return records[i].OwnerUserID < records[j].OwnerUserID
		}
		return records[i].InstanceID < records[j].InstanceID
	})
	if format == "json" {
		if records == nil {
			records = []models.InstanceRecord{}
		}
		return json.NewEncoder(w).Encode(records)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tINSTANCE\tVISIBILITY\tLAST UPDATE\tSTALE")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n",
			r.OwnerUserID, r.InstanceID, r.Visibility,
			r.LastUpdate.Format(time.RFC3339), r.IsStale(now, staleAfter))
	}
	return tw.Flush()
}
