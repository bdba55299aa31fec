// Package apply implements the transactional apply engine: the state
// machine that takes a target NetworkConfiguration, validates it, stages
// its application through the apply-tool collaborator, reloads and
// verifies the result, and commits or rolls back.
package apply

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/r3labs/diff/v3"
	"golang.org/x/sync/errgroup"

	"github.com/pvenet/pve-network-go/netd/bgpctrl"
	"github.com/pvenet/pve-network-go/netd/cluster"
	"github.com/pvenet/pve-network-go/netd/config"
	"github.com/pvenet/pve-network-go/netd/errs"
	"github.com/pvenet/pve-network-go/netd/eventbus"
	"github.com/pvenet/pve-network-go/netd/model"
	"github.com/pvenet/pve-network-go/netd/rollback"
	"github.com/pvenet/pve-network-go/netd/sdn"
	"github.com/pvenet/pve-network-go/shared/logger"
)

const maxConcurrentOps = 8

// Result is the outcome of a successfully committed transaction.
type Result struct {
	TransactionID         string
	Changes               []model.ConfigChange
	Warnings              []string
	SdnControllersApplied []string
}

// Engine drives the Created -> Validating -> Preparing -> Applying ->
// Reloading -> Verifying -> Committed state machine for one node,
// serialized against concurrent transactions on the same node via the
// Cluster Store's "network_apply_<node>" lock.
type Engine struct {
	store     *cluster.Store
	rollback  *rollback.Manager
	bus       *eventbus.Bus
	tool      ApplyTool
	settings  *config.Map
	node      string
	sdnDriver *bgpctrl.Driver
}

// NewEngine returns an Engine for node, persisting through store,
// backed up through rollbackMgr, publishing commits on bus, and driving
// host state through tool. settings supplies apply.verifyStrict and
// apply.operationTimeoutSeconds. The engine owns a single bgpctrl.Driver
// for the lifetime of the process, reconfigured on each transaction that
// carries SDN controllers.
func NewEngine(store *cluster.Store, rollbackMgr *rollback.Manager, bus *eventbus.Bus, tool ApplyTool, settings *config.Map, node string) *Engine {
	return &Engine{store: store, rollback: rollbackMgr, bus: bus, tool: tool, settings: settings, node: node, sdnDriver: bgpctrl.NewDriver()}
}

// Apply runs target through the full state machine with no SDN
// controllers to actuate. On success it returns the committed Result;
// on failure the returned error identifies the failing step's errs.Kind
// and the transaction has already been rolled back (or, if the rollback
// itself failed, transitioned to Failed with both errors surfaced).
func (e *Engine) Apply(ctx context.Context, target *model.NetworkConfiguration) (*Result, error) {
	return e.ApplyWithSdn(ctx, target, nil)
}

// ApplyWithSdn runs target through the full state machine exactly as
// Apply does, and additionally actuates sdnTarget's Bgp typed
// controllers as part of the Applying step, once host interfaces are
// staged. sdnTarget may be nil, equivalent to calling Apply.
func (e *Engine) ApplyWithSdn(ctx context.Context, target *model.NetworkConfiguration, sdnTarget *sdn.Configuration) (*Result, error) {
	txn := &model.Transaction{ID: uuid.NewString(), State: model.StateCreated, Configuration: target}

	var result *Result

	lockErr := e.store.WithLock(fmt.Sprintf("network_apply_%s", e.node), "apply", func() error {
		r, err := e.runTransaction(ctx, txn, target, sdnTarget)
		result = r
		return err
	})

	if lockErr != nil {
		return nil, lockErr
	}

	if txn.State == model.StateCommitted {
		if err := e.bus.Publish(ctx, eventbus.NetworkApplied{Changes: txn.AppliedChanges}); err != nil {
			logger.Warn("network applied event delivery had failures", logger.Ctx{
				"transaction": txn.ID, "error": err.Error(),
			})
		}
	}

	return result, nil
}

func (e *Engine) runTransaction(ctx context.Context, txn *model.Transaction, target *model.NetworkConfiguration, sdnTarget *sdn.Configuration) (*Result, error) {
	txn.State = model.StateValidating
	if err := target.Validate(); err != nil {
		txn.State = model.StateRolledBack
		return nil, errs.Wrap(errs.KindInvalidValue, err, "transaction %s: validation failed", txn.ID)
	}

	txn.State = model.StatePreparing

	currentBlob, err := e.store.Read(cluster.NodeNetworkKey(e.node))
	if err != nil {
		if !errs.Is(err, errs.KindNotFound) {
			txn.State = model.StateFailed
			return nil, err
		}

		currentBlob = []byte(`{"interfaces":{}}`)
	}

	var current model.NetworkConfiguration
	if err := json.Unmarshal(currentBlob, &current); err != nil {
		txn.State = model.StateFailed
		return nil, errs.Wrap(errs.KindParse, err, "transaction %s: decoding current configuration", txn.ID)
	}
	if current.Interfaces == nil {
		current.Interfaces = map[string]model.Interface{}
	}

	changes, created, updated, deleted, err := diffInterfaces(current.Interfaces, target.Interfaces)
	if err != nil {
		txn.State = model.StateFailed
		return nil, errs.Wrap(errs.KindParse, err, "transaction %s: diffing configuration", txn.ID)
	}

	point, err := e.rollback.CreatePoint(txn.ID, json.RawMessage(currentBlob))
	if err != nil {
		txn.State = model.StateFailed
		return nil, errs.Wrap(errs.KindRollbackFailed, err, "transaction %s: creating rollback point", txn.ID)
	}
	txn.RollbackPointID = point.ID

	targetBlob, err := json.Marshal(target)
	if err != nil {
		return nil, e.rollbackAndFail(txn, errs.Wrap(errs.KindParse, err, "transaction %s: encoding target configuration", txn.ID))
	}

	if err := e.store.Write(cluster.NodeNetworkKey(e.node), targetBlob); err != nil {
		return nil, e.rollbackAndFail(txn, err)
	}

	txn.State = model.StateApplying

	if err := e.applyStaged(ctx, deleted, updated, created); err != nil {
		return nil, e.rollbackAndFail(txn, err)
	}

	var sdnApplied []string
	if sdnTarget != nil {
		sdnResult, err := e.ApplySdnControllers(sdnTarget, e.sdnDriver)
		if err != nil {
			return nil, e.rollbackAndFail(txn, err)
		}

		sdnApplied = sdnResult.Applied
	}

	txn.State = model.StateReloading
	if err := e.withOperationTimeout(ctx, func(opCtx context.Context) error {
		_, err := e.tool.Reload(opCtx)
		return err
	}); err != nil {
		return nil, e.rollbackAndFail(txn, err)
	}

	txn.State = model.StateVerifying
	if err := e.verify(target); err != nil {
		return nil, e.rollbackAndFail(txn, err)
	}

	txn.State = model.StateCommitted
	txn.AppliedChanges = changes

	if err := e.rollback.Cleanup(txn.ID); err != nil {
		logger.Warn("rollback point cleanup failed after commit", logger.Ctx{
			"transaction": txn.ID, "error": err.Error(),
		})
	}

	return &Result{TransactionID: txn.ID, Changes: changes, SdnControllersApplied: sdnApplied}, nil
}

// rollbackAndFail transitions txn to RolledBack and restores the
// pre-apply configuration. If restore itself fails, txn transitions to
// Failed and both errors are surfaced.
func (e *Engine) rollbackAndFail(txn *model.Transaction, cause error) error {
	txn.State = model.StateRolledBack

	restoreErr := e.rollback.Restore(txn.ID, func(blob json.RawMessage) error {
		return e.store.Write(cluster.NodeNetworkKey(e.node), blob)
	})
	if restoreErr != nil {
		txn.State = model.StateFailed
		return errs.New(errs.KindRollbackFailed, "transaction %s: rollback failed after %v: %v", txn.ID, cause, restoreErr)
	}

	return cause
}

// applyStaged drives the apply tool in a fixed order: deleted
// interfaces go down first, updated interfaces go down then up, created
// interfaces go up last. Operations within a stage are independent of
// each other and run concurrently, bounded by maxConcurrentOps; stages
// themselves run strictly in order.
func (e *Engine) applyStaged(ctx context.Context, deleted, updated, created []string) error {
	if err := e.runConcurrent(ctx, deleted, func(opCtx context.Context, name string) error {
		_, err := e.tool.BringDown(opCtx, name)
		return err
	}); err != nil {
		return err
	}

	if err := e.runConcurrent(ctx, updated, func(opCtx context.Context, name string) error {
		if _, err := e.tool.BringDown(opCtx, name); err != nil {
			return err
		}

		return e.withOperationTimeout(opCtx, func(innerCtx context.Context) error {
			_, err := e.tool.BringUp(innerCtx, name)
			return err
		})
	}); err != nil {
		return err
	}

	return e.runConcurrent(ctx, created, func(opCtx context.Context, name string) error {
		_, err := e.tool.BringUp(opCtx, name)
		return err
	})
}

// runConcurrent fans op out over names, bounded by maxConcurrentOps,
// each invocation wrapped in its own per-operation timeout.
func (e *Engine) runConcurrent(ctx context.Context, names []string, op func(context.Context, string) error) error {
	if len(names) == 0 {
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentOps)

	for _, name := range names {
		name := name
		group.Go(func() error {
			return e.withOperationTimeout(groupCtx, func(opCtx context.Context) error {
				return op(opCtx, name)
			})
		})
	}

	return group.Wait()
}

// withOperationTimeout bounds fn by apply.operationTimeoutSeconds,
// guaranteeing the timer is released once fn returns.
func (e *Engine) withOperationTimeout(ctx context.Context, fn func(context.Context) error) error {
	timeout := time.Duration(e.settings.GetInt64("apply.operationTimeoutSeconds")) * time.Second

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return fn(opCtx)
}

// verify re-reads the node's configuration through the Cluster Store
// and compares it to target: always by interface-set and auto-set
// cardinality, and additionally field-by-field when
// apply.verifyStrict is enabled.
func (e *Engine) verify(target *model.NetworkConfiguration) error {
	blob, err := e.store.Read(cluster.NodeNetworkKey(e.node))
	if err != nil {
		return err
	}

	var reread model.NetworkConfiguration
	if err := json.Unmarshal(blob, &reread); err != nil {
		return errs.Wrap(errs.KindParse, err, "decoding re-read configuration")
	}

	if len(reread.Interfaces) != len(target.Interfaces) {
		return errs.New(errs.KindVerifyMismatch, "interface count mismatch: got %d, want %d", len(reread.Interfaces), len(target.Interfaces))
	}

	if len(reread.AutoInterfaces) != len(target.AutoInterfaces) {
		return errs.New(errs.KindVerifyMismatch, "auto interface count mismatch: got %d, want %d", len(reread.AutoInterfaces), len(target.AutoInterfaces))
	}

	if !e.settings.GetBool("apply.verifyStrict") {
		return nil
	}

	for name, want := range target.Interfaces {
		got, ok := reread.Interfaces[name]
		if !ok {
			return errs.New(errs.KindVerifyMismatch, "interface %q missing after apply", name)
		}

		if got.Type != want.Type || got.Method != want.Method || got.Enabled != want.Enabled {
			return errs.New(errs.KindVerifyMismatch, "interface %q does not match target after apply", name)
		}
	}

	return nil
}

// diffInterfaces compares current and target interface maps with
// r3labs/diff, returning a flat ConfigChange list plus the interface
// names that were created, updated (any field changed) and deleted.
func diffInterfaces(current, target map[string]model.Interface) ([]model.ConfigChange, []string, []string, []string, error) {
	differ, err := diff.NewDiffer(diff.DisableStructValues())
	if err != nil {
		return nil, nil, nil, nil, err
	}

	changelog, err := differ.Diff(current, target)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	var changes []model.ConfigChange
	createdSet := map[string]bool{}
	updatedSet := map[string]bool{}
	deletedSet := map[string]bool{}

	for _, change := range changelog {
		if len(change.Path) == 0 {
			continue
		}

		name := change.Path[0]

		switch change.Type {
		case diff.CREATE:
			if len(change.Path) == 1 {
				createdSet[name] = true
				changes = append(changes, model.ConfigChange{
					Type: model.ChangeCreate, Target: name, New: change.To,
					Description: fmt.Sprintf("create interface %s", name),
				})
			}
		case diff.DELETE:
			if len(change.Path) == 1 {
				deletedSet[name] = true
				changes = append(changes, model.ConfigChange{
					Type: model.ChangeDelete, Target: name, Old: change.From,
					Description: fmt.Sprintf("delete interface %s", name),
				})
			}
		case diff.UPDATE:
			if !createdSet[name] && !deletedSet[name] {
				updatedSet[name] = true
			}
			changes = append(changes, model.ConfigChange{
				Type: model.ChangeUpdate, Target: name, Old: change.From, New: change.To,
				Description: fmt.Sprintf("update interface %s field %v", name, change.Path[1:]),
			})
		}
	}

	created := setKeys(createdSet)
	updated := setKeys(updatedSet)
	deleted := setKeys(deletedSet)

	return changes, created, updated, deleted, nil
}

func setKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
