package core

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

type WorkerStatus string

const (
	WorkerStatusActive WorkerStatus = "active"
)

// Worker is a remote process hosting one or more slots. Each slot leases
// tasks under the owner string returned by SlotOwner.
type Worker struct {
	ID       uuid.UUID
	Hostname string
	Slots    int
	// Classes holds glob patterns of the resource classes the slots serve.
	Classes []string
	Status  WorkerStatus

	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

// SlotOwner is the lease owner name of one slot of a worker.
func SlotOwner(workerID uuid.UUID, slot int) string {
	return workerID.String() + "/" + strconv.Itoa(slot)
}

// WorkerOwnerPrefix matches the lease owners of every slot of a worker.
func WorkerOwnerPrefix(workerID uuid.UUID) string {
	return workerID.String() + "/"
}
