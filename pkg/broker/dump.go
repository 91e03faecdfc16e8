package broker

import (
	"github.com/delcom/broker/internal/logger"
)

// dump logs the registry contents at debug level
func (b *Broker) dump() {
	if !b.logger.Enabled(logger.LevelDebug) {
		return
	}

	nodes := b.registry.Snapshot()
	b.logger.Debug("Registry dump", "nodes", len(nodes))
	for _, n := range nodes {
		b.logger.Debug("Node",
			"node_id", n.ID,
			"role", n.Role,
			"paired_as_delegator_to", n.PairedAsDelegatorTo,
			"paired_as_worker_for", n.PairedAsWorkerFor,
			"last_seen", n.LastSeen)
	}
}
