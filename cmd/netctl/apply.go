package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pvenet/pve-network-go/netd/sdn"
	"github.com/pvenet/pve-network-go/netd/sdn/hclfmt"
)

type cmdApply struct {
	global *cmdGlobal

	flagConfig    string
	flagSdnConfig string
	flagDryRun    bool
}

func (c *cmdApply) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a network configuration",
		RunE:  c.Run,
	}

	cmd.Flags().StringVarP(&c.flagConfig, "config", "c", "", "configuration file to apply (required)")
	cmd.Flags().StringVar(&c.flagSdnConfig, "sdn-config", "", "SDN configuration file whose Bgp controllers should be actuated alongside this apply")
	cmd.Flags().BoolVarP(&c.flagDryRun, "dry-run", "d", false, "validate only; the target is not diffed against the node's configuration and nothing is applied")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func (c *cmdApply) Run(cmd *cobra.Command, args []string) error {
	target, err := loadNetworkConfiguration(c.flagConfig)
	if err != nil {
		return err
	}

	var sdnTarget *sdn.Configuration
	if c.flagSdnConfig != "" {
		sdnTarget, err = loadSdnConfiguration(c.flagSdnConfig)
		if err != nil {
			return err
		}
	}

	if c.flagDryRun {
		if err := target.Validate(); err != nil {
			return err
		}

		fmt.Printf("%s: valid, dry-run only, %d interfaces not applied\n", c.flagConfig, len(target.Interfaces))

		return nil
	}

	engine, err := c.global.engine()
	if err != nil {
		return err
	}

	result, err := engine.ApplyWithSdn(context.Background(), target, sdnTarget)
	if err != nil {
		return err
	}

	fmt.Printf("transaction %s committed, %d changes\n", result.TransactionID, len(result.Changes))

	for _, name := range result.SdnControllersApplied {
		fmt.Printf("sdn controller applied: %s\n", name)
	}

	for _, warning := range result.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}

	return nil
}

func loadSdnConfiguration(path string) (*sdn.Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return hclfmt.Decode(path, data)
}
