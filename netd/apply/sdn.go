package apply

import (
	"github.com/pvenet/pve-network-go/netd/bgpctrl"
	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/model"
	"github.com/pvenet/pve-network-go/netd/sdn"
	"github.com/pvenet/pve-network-go/shared/logger"
)

// SdnResult reports which Bgp typed controllers were actuated by
// ApplySdnControllers.
type SdnResult struct {
	Applied []string
}

// ApplySdnControllers drives target's Bgp typed controllers through
// driver, in the configuration's own apply order. Zones, VNets,
// subnets and IPAMs are handled by their own domains (the SDN Graph
// Resolver, the IPAM Allocation Core) and are not touched here. It is
// called from runTransaction once host interfaces are staged, as the
// Applying step's controller sub-stage; exported so it can also be
// driven directly, outside a committed transaction, for inspection.
func (e *Engine) ApplySdnControllers(target *sdn.Configuration, driver *bgpctrl.Driver) (*SdnResult, error) {
	var applied []string

	for _, entity := range target.ApplyOrder() {
		if entity.Domain != "controller" {
			continue
		}

		ctrl, ok := target.Controllers[entity.Name]
		if !ok {
			continue
		}

		if ctrl.Type != model.ControllerBgp {
			continue
		}

		if err := driver.ApplyController(ctrl); err != nil {
			return nil, errs.Wrap(errs.KindControllerFailed, err, "applying controller %q", ctrl.Name)
		}

		applied = append(applied, ctrl.Name)
	}

	logger.Debug("sdn controllers applied", logger.Ctx{"controllers": applied})

	return &SdnResult{Applied: applied}, nil
}
