package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pvenet/pve-network-go/netd/cluster"
	"github.com/pvenet/pve-network-go/netd/errs"
)

type cmdRollback struct {
	global *cmdGlobal

	flagVersion string
	flagList    bool
	flagStats   bool
}

func (c *cmdRollback) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore a previous rollback point, or inspect what's available",
		RunE:  c.Run,
	}

	cmd.Flags().StringVarP(&c.flagVersion, "version", "t", "", "transaction ID to restore (defaults to the most recent point)")
	cmd.Flags().BoolVarP(&c.flagList, "list", "l", false, "list available rollback points instead of restoring")
	cmd.Flags().BoolVar(&c.flagStats, "stats", false, "show rollback point retention statistics instead of restoring")

	return cmd
}

func (c *cmdRollback) Run(cmd *cobra.Command, args []string) error {
	mgr, err := c.global.rollbackManager()
	if err != nil {
		return err
	}

	if c.flagStats {
		stats, err := mgr.Stats()
		if err != nil {
			return err
		}

		fmt.Printf("rollback points: %d, %d bytes\n", stats.TotalCount, stats.TotalBytes)

		if stats.OldestTimestamp != nil {
			fmt.Printf("oldest: %s\n", time.UnixMilli(*stats.OldestTimestamp).Format(time.RFC3339))
		}

		if stats.NewestTimestamp != nil {
			fmt.Printf("newest: %s\n", time.UnixMilli(*stats.NewestTimestamp).Format(time.RFC3339))
		}

		return nil
	}

	points, err := mgr.List()
	if err != nil {
		return err
	}

	if c.flagList {
		for _, point := range points {
			fmt.Printf("%s\t%s\t%d files backed up\n", point.TransactionID, time.UnixMilli(point.Timestamp).Format(time.RFC3339), len(point.BackedUpFiles))
		}

		return nil
	}

	transactionID := c.flagVersion
	if transactionID == "" {
		if len(points) == 0 {
			return errs.New(errs.KindNotFound, "no rollback points available")
		}

		transactionID = points[0].TransactionID
	}

	store := c.global.store()

	err = mgr.Restore(transactionID, func(configuration json.RawMessage) error {
		return store.Write(cluster.NodeNetworkKey(c.global.flagNode), configuration)
	})
	if err != nil {
		return err
	}

	fmt.Printf("restored rollback point %s\n", transactionID)

	return nil
}
