package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"transcription-jobs/internal/models"
	"transcription-jobs/internal/telemetry"
	"transcription-jobs/pkg/cloudevent"
)

// Publisher is the subset of *nats.Conn the notifier needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes lifecycle events to <prefix>.created|completed|failed.
type NATS struct {
	pub    Publisher
	prefix string
	logger logrus.FieldLogger
}

// ConnectNATS dials the server with unlimited reconnects.
func ConnectNATS(url string, logger logrus.FieldLogger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("transcription-jobs"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.WithError(err).Warn("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.WithField("url", c.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NewNATS builds a notifier publishing through pub.
func NewNATS(pub Publisher, prefix string, logger logrus.FieldLogger) *NATS {
	if prefix == "" {
		prefix = "transcription.job"
	}
	return &NATS{pub: pub, prefix: prefix, logger: logger}
}

func (n *NATS) NotifyCreated(_ context.Context, job models.Job) {
	n.publish("created", job, createdEvent(job))
}

func (n *NATS) NotifyCompleted(_ context.Context, job models.Job, result models.Result) {
	n.publish("completed", job, completedEvent(job, result))
}

func (n *NATS) NotifyFailed(_ context.Context, job models.Job, message string) {
	n.publish("failed", job, failedEvent(job, message))
}

func (n *NATS) publish(suffix string, job models.Job, event *cloudevent.CloudEvent) {
	log := n.logger.WithFields(logrus.Fields{"job_id": job.ID, "type": event.Type})
	data, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("failed to serialize notification")
		telemetry.Notifications.WithLabelValues("nats", "failed").Inc()
		return
	}
	if err := n.pub.Publish(n.prefix+"."+suffix, data); err != nil {
		log.WithError(err).Warn("failed to publish notification")
		telemetry.Notifications.WithLabelValues("nats", "failed").Inc()
		return
	}
	telemetry.Notifications.WithLabelValues("nats", "delivered").Inc()
}

var _ Notifier = (*NATS)(nil)
