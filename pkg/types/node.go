package types

import (
	"fmt"
	"time"
)

// Role is the work role a node advertises
type Role string

const (
	RoleNotWorker Role = "not-worker"
	RoleWorker    Role = "worker"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleWorker || r == RoleNotWorker
}

// Side names one end of a pairing
type Side string

const (
	SideDelegator Side = "delegator"
	SideWorker    Side = "worker"
)

// Opposite returns the other end of a pairing
func (s Side) Opposite() Side {
	if s == SideWorker {
		return SideDelegator
	}
	return SideWorker
}

// Valid reports whether s is a known side
func (s Side) Valid() bool {
	return s == SideWorker || s == SideDelegator
}

// CPU describes one logical processor of a worker machine
type CPU struct {
	Model string `json:"model"`
	Speed int    `json:"speed"` // MHz
}

// Capabilities is the descriptive metadata a worker publishes with its role
type Capabilities struct {
	MachineArch string `json:"machine_arch"`
	CPUs        []CPU  `json:"cpus,omitempty"`
	RAM         uint64 `json:"ram"` // bytes
}

// Clone returns a deep copy of c
func (c *Capabilities) Clone() *Capabilities {
	if c == nil {
		return nil
	}
	out := *c
	if c.CPUs != nil {
		out.CPUs = append([]CPU(nil), c.CPUs...)
	}
	return &out
}

// String returns a short human readable summary
func (c Capabilities) String() string {
	return fmt.Sprintf("%s/%dcpu/%dMiB", c.MachineArch, len(c.CPUs), c.RAM/(1024*1024))
}

// NodeInfo is a point-in-time snapshot of a registered node
type NodeInfo struct {
	ID                  ID            `json:"id"`
	Role                Role          `json:"role"`
	PairedAsDelegatorTo ID            `json:"paired_as_delegator_to,omitempty"`
	PairedAsWorkerFor   ID            `json:"paired_as_worker_for,omitempty"`
	Capabilities        *Capabilities `json:"capabilities,omitempty"`
	ConnectedAt         time.Time     `json:"connected_at"`
	LastSeen            time.Time     `json:"last_seen"`
}

// Available reports whether the node can accept a new job
func (n NodeInfo) Available() bool {
	return n.Role == RoleWorker && n.PairedAsWorkerFor.IsEmpty()
}

// WorkerInfo is one entry of a worker listing
type WorkerInfo struct {
	ID           ID           `json:"id"`
	Capabilities Capabilities `json:"capabilities"`
}
