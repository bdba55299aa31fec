// Command netctl validates, applies, rolls back and inspects a node's
// network configuration. It is the operator-facing entry point onto the
// same cluster store, transactional apply engine and rollback manager a
// daemon would drive over HTTP; netctl drives them directly, for use from
// a terminal or a provisioning script.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/pvenet/pve-network-go/netd/apply"
	"github.com/pvenet/pve-network-go/netd/cluster"
	"github.com/pvenet/pve-network-go/netd/config"
	"github.com/pvenet/pve-network-go/netd/eventbus"
	"github.com/pvenet/pve-network-go/netd/rollback"
	"github.com/pvenet/pve-network-go/shared/logger"
)

// cmdGlobal holds the flags and lazily-built collaborators every
// subcommand needs: the cluster store, the rollback manager and the
// apply engine all key off the same --store-dir and --node flags.
type cmdGlobal struct {
	cmd *cobra.Command

	flagStoreDir string
	flagNode     string
	flagVerbose  bool
	flagDebug    bool
	flagQuiet    bool
}

func (g *cmdGlobal) setupLogging() {
	switch {
	case g.flagDebug:
		logger.SetLevel(logrus.DebugLevel)
	case g.flagVerbose:
		logger.SetLevel(logrus.InfoLevel)
	case g.flagQuiet:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.WarnLevel)
	}
}

func (g *cmdGlobal) store() *cluster.Store {
	settings := g.settings()
	lockStaleAfter := time.Duration(settings.GetInt64("node.lockStaleAfter")) * time.Second

	return cluster.NewStore(afero.NewOsFs(), g.flagStoreDir, g.flagNode, lockStaleAfter)
}

func (g *cmdGlobal) settings() config.Map {
	settings, err := config.Load(config.DaemonSchema, nil)
	if err != nil {
		// The schema's own defaults always validate; a failure here
		// means the schema itself is broken, not anything the
		// operator passed in.
		panic(err)
	}

	return settings
}

func (g *cmdGlobal) rollbackManager() (*rollback.Manager, error) {
	settings := g.settings()
	maxAge := time.Duration(settings.GetInt64("rollback.maxAgeDays")) * 24 * time.Hour

	return rollback.NewManager(
		afero.NewOsFs(),
		g.flagStoreDir,
		"rollback",
		int(settings.GetInt64("rollback.maxCount")),
		maxAge,
		rollback.DefaultCriticalKeys(g.flagNode),
	)
}

func (g *cmdGlobal) engine() (*apply.Engine, error) {
	rollbackMgr, err := g.rollbackManager()
	if err != nil {
		return nil, err
	}

	settings := g.settings()
	tool := apply.NewShellApplyTool("/sbin/ifup", "/sbin/ifdown", g.flagVerbose || g.flagDebug)
	bus := eventbus.New()

	return apply.NewEngine(g.store(), rollbackMgr, bus, tool, &settings, g.flagNode), nil
}

func main() {
	global := &cmdGlobal{}

	app := &cobra.Command{
		Use:           "netctl",
		Short:         "Manage a node's network configuration",
		Long:          "netctl validates, applies, rolls back and inspects the network configuration of a Proxmox VE style node, against the same cluster store and apply engine a daemon would use.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			global.setupLogging()
		},
	}
	global.cmd = app

	app.PersistentFlags().StringVar(&global.flagStoreDir, "store-dir", "/var/lib/pve-network", "cluster config store root")
	app.PersistentFlags().StringVar(&global.flagNode, "node", defaultNodeName(), "node name within the cluster store")
	app.PersistentFlags().BoolVarP(&global.flagVerbose, "verbose", "V", false, "enable info-level logging")
	app.PersistentFlags().BoolVar(&global.flagDebug, "debug", false, "enable debug-level logging")
	app.PersistentFlags().BoolVarP(&global.flagQuiet, "quiet", "q", false, "suppress all but error-level logging")

	app.AddCommand((&cmdValidate{global: global}).Command())
	app.AddCommand((&cmdApply{global: global}).Command())
	app.AddCommand((&cmdRollback{global: global}).Command())
	app.AddCommand((&cmdStatus{global: global}).Command())

	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultNodeName() string {
	name, err := os.Hostname()
	if err != nil {
		return "localhost"
	}

	return name
}
