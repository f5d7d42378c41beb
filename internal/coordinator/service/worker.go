package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
)

type workerService struct {
	workerStore core.WorkerStore
	now         func() time.Time
	logger      logging.Logger
}

func NewWorkerService(workerStore core.WorkerStore, logger logging.Logger) core.WorkerService {
	return &workerService{
		workerStore: workerStore,
		now:         time.Now,
		logger:      logger,
	}
}

func (s *workerService) RegisterWorker(worker *core.Worker) error {
	if err := ValidPatterns(worker.Classes); err != nil {
		return core.NewValidationError("classes", "%s", err)
	}
	if worker.Slots < 1 {
		return core.NewValidationError("slots", "must be positive")
	}
	s.logger.Info(
		"Registering worker",
		"worker_id", worker.ID,
		"hostname", worker.Hostname,
		"slots", worker.Slots,
		"classes", worker.Classes,
	)
	now := s.now()
	worker.Status = core.WorkerStatusActive
	worker.RegisteredAt = now
	worker.LastHeartbeatAt = now
	return s.workerStore.AddWorker(worker)
}

func (s *workerService) GetWorker(workerID uuid.UUID) (*core.Worker, error) {
	return s.workerStore.GetWorkerByID(workerID)
}

func (s *workerService) RecordHeartbeat(workerID uuid.UUID) error {
	return s.workerStore.UpdateWorkerHeartbeat(workerID, s.now())
}

func (s *workerService) RemoveWorker(workerID uuid.UUID) error {
	s.logger.Info("Removing worker", "worker_id", workerID)
	return s.workerStore.RemoveWorker(workerID)
}

func (s *workerService) GetStaleWorkers(timeout time.Duration) ([]*core.Worker, error) {
	threshold := s.now().Add(-timeout)
	return s.workerStore.GetStaleWorkers(threshold)
}
