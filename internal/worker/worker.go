package worker

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/saga"
	"fulfillment-service/internal/util"
)

// SagaWorker consumes one topic and feeds the coordinator's reactions.
// One worker runs per topic the choreography listens on (order events for
// the reservation step, payment events for confirm/compensate).
type SagaWorker struct {
	consumer   *broker.Consumer
	dispatcher *broker.Dispatcher
	logger     *zap.Logger
}

// NewSagaWorker creates a worker wiring the coordinator to a consumer.
func NewSagaWorker(consumer *broker.Consumer, coordinator *saga.Coordinator) *SagaWorker {
	dispatcher := broker.NewDispatcher()
	coordinator.Register(dispatcher)

	return &SagaWorker{
		consumer:   consumer,
		dispatcher: dispatcher,
		logger:     util.GetLogger(),
	}
}

// Start consumes until the context is cancelled.
func (w *SagaWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting saga worker")
	return w.consumer.StartConsuming(ctx, func(ctx context.Context, msg kafka.Message) error {
		return w.dispatcher.HandleMessage(ctx, msg.Value)
	})
}

// Stop closes the underlying consumer.
func (w *SagaWorker) Stop() error {
	w.logger.Info("Stopping saga worker")
	return w.consumer.Close()
}
