package config

import "github.com/pvenet/pve-network-go/shared/validate"

// DaemonSchema is the schema for node-local daemon settings: lock
// staleness, rollback retention and the handful of behaviors the Open
// Questions left as implementer choices.
var DaemonSchema = Schema{
	// node.lockStaleAfter is the duration, in seconds, after which a
	// lock held by a PID that still exists is nonetheless treated as
	// stale. Default is 5 minutes, twice a generous single apply
	// duration.
	"node.lockStaleAfter": {
		Type:      Int64,
		Default:   "300",
		Validator: validate.IsInRange(1, 86400),
	},

	// rollback.maxCount bounds the number of rollback points retained
	// on disk regardless of age.
	"rollback.maxCount": {
		Type:      Int64,
		Default:   "50",
		Validator: validate.IsInRange(1, 10000),
	},

	// rollback.maxAgeDays bounds the age of rollback points retained on
	// disk regardless of count.
	"rollback.maxAgeDays": {
		Type:      Int64,
		Default:   "7",
		Validator: validate.IsInRange(1, 3650),
	},

	// apply.verifyStrict selects structural verification (interface
	// names and key fields) over the weaker cardinality-only compare.
	"apply.verifyStrict": {
		Type:    Bool,
		Default: "true",
	},

	// apply.operationTimeoutSeconds bounds a single apply-tool
	// invocation before it is treated as ApplyToolTimeout.
	"apply.operationTimeoutSeconds": {
		Type:      Int64,
		Default:   "30",
		Validator: validate.IsInRange(1, 3600),
	},

	// migration.fallbackMutations allows POST/PUT/DELETE requests to
	// fall back from the native handler to the remote backend. Disabled
	// by default because a partially applied native mutation followed
	// by a remote retry can double-apply.
	"migration.fallbackMutations": {
		Type:    Bool,
		Default: "false",
	},
}
