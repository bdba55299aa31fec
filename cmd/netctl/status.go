package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pvenet/pve-network-go/netd/cluster"
	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
)

type cmdStatus struct {
	global *cmdGlobal

	flagInterface string
	flagFormat    string
}

func (c *cmdStatus) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the node's committed network configuration",
		RunE:  c.Run,
	}

	cmd.Flags().StringVarP(&c.flagInterface, "interface", "i", "", "show a single interface only")
	cmd.Flags().StringVarP(&c.flagFormat, "format", "f", "text", "output format (text|json)")

	return cmd
}

func (c *cmdStatus) Run(cmd *cobra.Command, args []string) error {
	store := c.global.store()

	current := model.NewNetworkConfiguration()

	blob, err := store.Read(cluster.NodeNetworkKey(c.global.flagNode))
	switch {
	case err != nil && errs.Is(err, errs.KindNotFound):
		// A node with no applied transactions yet has no blob at all.
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(blob, current); err != nil {
			return err
		}
	}

	if c.flagInterface != "" {
		iface, ok := current.Interfaces[c.flagInterface]
		if !ok {
			return fmt.Errorf("interface %q not found on node %q", c.flagInterface, c.global.flagNode)
		}

		return printInterfaces(c.flagFormat, map[string]model.Interface{c.flagInterface: iface})
	}

	return printInterfaces(c.flagFormat, current.Interfaces)
}

func printInterfaces(format string, interfaces map[string]model.Interface) error {
	if format == "json" {
		blob, err := json.MarshalIndent(interfaces, "", "  ")
		if err != nil {
			return err
		}

		fmt.Println(string(blob))

		return nil
	}

	for name, iface := range interfaces {
		fmt.Printf("%s\n", name)
		fmt.Printf("  kind:    %s\n", iface.Type)
		fmt.Printf("  method:  %s\n", iface.Method)

		if len(iface.Dependencies()) > 0 {
			fmt.Printf("  depends: %v\n", iface.Dependencies())
		}
	}

	return nil
}
