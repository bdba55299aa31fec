package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pvenet/pve-network-go/netd/model"
)

type cmdValidate struct {
	global *cmdGlobal

	flagConfig string
}

func (c *cmdValidate) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a network configuration file",
		RunE:  c.Run,
	}

	cmd.Flags().StringVarP(&c.flagConfig, "config", "c", "", "configuration file to validate (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func (c *cmdValidate) Run(cmd *cobra.Command, args []string) error {
	target, err := loadNetworkConfiguration(c.flagConfig)
	if err != nil {
		return err
	}

	if err := target.Validate(); err != nil {
		return err
	}

	fmt.Printf("%s: valid, %d interfaces\n", c.flagConfig, len(target.Interfaces))

	return nil
}

func loadNetworkConfiguration(path string) (*model.NetworkConfiguration, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	target := model.NewNetworkConfiguration()
	if err := json.Unmarshal(blob, target); err != nil {
		return nil, err
	}

	return target, nil
}
