// Package worker runs the detective-control pipeline: it consumes
// completed transactions off the event bus, feeds them to the AML
// monitor and hands detected patterns to the alert manager.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kite/internal/alerts"
	"github.com/opensource-finance/kite/internal/aml"
	"github.com/opensource-finance/kite/internal/domain"
)

// Worker subscribes to the completed-transaction topic. Everything in
// here is best-effort: a failure is logged and the transaction it was
// inspecting stays exactly as the ledger left it.
type Worker struct {
	bus     domain.EventBus
	monitor *aml.Monitor
	manager *alerts.Manager

	mu  sync.Mutex
	sub domain.Subscription
}

// New creates the AML worker.
func New(bus domain.EventBus, monitor *aml.Monitor, manager *alerts.Manager) *Worker {
	return &Worker{
		bus:     bus,
		monitor: monitor,
		manager: manager,
	}
}

// Start subscribes to the completed-transaction topic.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sub != nil {
		return fmt.Errorf("worker already started")
	}

	sub, err := w.bus.Subscribe(ctx, domain.TopicTransactionCompleted, w.handleTransaction)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionCompleted, err)
	}
	w.sub = sub

	slog.Info("aml worker started", "topic", domain.TopicTransactionCompleted)
	return nil
}

// Stop unsubscribes from the bus.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.sub == nil {
		return nil
	}
	err := w.sub.Unsubscribe()
	w.sub = nil

	slog.Info("aml worker stopped")
	return err
}

// handleTransaction runs one completed transaction through the
// monitor and the alert manager. Returned errors only feed the bus's
// handler logging.
func (w *Worker) handleTransaction(ctx context.Context, msg *domain.Message) error {
	var tx domain.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		return fmt.Errorf("failed to unmarshal transaction: %w", err)
	}

	patterns := w.monitor.Evaluate(ctx, &tx)

	for _, pattern := range patterns {
		alert, err := w.manager.HandleSuspiciousActivity(ctx, tx.UserID, pattern,
			fmt.Sprintf("triggered by transaction %s (%s)", tx.ID, tx.Reference))
		if err != nil {
			slog.Error("failed to handle suspicious activity",
				"user_id", tx.UserID,
				"pattern", pattern.Type,
				"error", err,
			)
			continue
		}
		if alert == nil {
			continue
		}

		payload, err := json.Marshal(alert)
		if err != nil {
			slog.Error("failed to marshal alert", "alert_id", alert.ID, "error", err)
			continue
		}
		if err := w.bus.Publish(ctx, domain.TopicAlert, payload); err != nil {
			slog.Error("failed to publish alert", "alert_id", alert.ID, "error", err)
		}
	}

	return nil
}
