package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/testplane/testplane/pkg/bus"
	"github.com/testplane/testplane/pkg/ingest"
	"github.com/testplane/testplane/pkg/queue"
	"github.com/testplane/testplane/pkg/store"
)

// assignmentChanged is published when a case run's assignee changes.
type assignmentChanged struct {
	CaseRunID string
	Assignee  store.Assignee
}

// pipelineUpdated is published after a pipeline status transition.
type pipelineUpdated struct {
	PipelineID string
	Status     store.PipelineStatus
}

// subscribeEvents wires reactive behavior: assignment changes populate
// the dispatch queue, and import/pipeline events are recorded.
func (s *server) subscribeEvents() {
	s.bus.Subscribe(bus.KindAssignmentChanged, s.onAssignmentChanged)
	s.bus.Subscribe(bus.KindImportCompleted, s.onImportCompleted)
	s.bus.Subscribe(bus.KindPipelineUpdated, s.onPipelineUpdated)
}

// onAssignmentChanged enqueues a dispatch job when a case run is
// assigned to automation, and cancels any pending job when it is
// assigned away.
func (s *server) onAssignmentChanged(_ context.Context, ev bus.Event) error {
	change, ok := ev.Payload.(assignmentChanged)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Kind)
	}

	if change.Assignee == store.AssigneeAutomation {
		if _, err := s.queue.Enqueue(change.CaseRunID); err != nil {
			// A claimed job keeps running; the assignment change takes
			// effect once it finishes.
			if errors.Is(err, queue.ErrAlreadyClaimed) {
				s.log.WithField("case_run", change.CaseRunID).
					Warn("Case run reassigned while job is claimed")

				return nil
			}

			return fmt.Errorf("enqueueing case run %s: %w", change.CaseRunID, err)
		}

		return nil
	}

	if err := s.queue.Cancel(change.CaseRunID); err != nil &&
		!errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("cancelling job for case run %s: %w", change.CaseRunID, err)
	}

	return nil
}

// onImportCompleted records import bookkeeping.
func (s *server) onImportCompleted(_ context.Context, ev bus.Event) error {
	done, ok := ev.Payload.(ingest.ImportCompleted)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Kind)
	}

	s.log.WithFields(logrus.Fields{
		"test_run": done.TestRunID,
		"attempt":  done.AttemptID,
		"cases":    done.Outcome.CasesImported,
		"failures": done.Outcome.FailuresImported,
	}).Info("Import recorded")

	return nil
}

// onPipelineUpdated records pipeline transitions.
func (s *server) onPipelineUpdated(_ context.Context, ev bus.Event) error {
	change, ok := ev.Payload.(pipelineUpdated)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", ev.Payload, ev.Kind)
	}

	s.log.WithFields(logrus.Fields{
		"pipeline": change.PipelineID,
		"status":   change.Status,
	}).Info("Pipeline transition recorded")

	return nil
}
