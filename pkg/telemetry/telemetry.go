// Package telemetry is the best-effort reporting boundary. Publish failures
// are for the caller to log and shrug at; an update must never fail because
// the device could not brag about its progress.
package telemetry

import (
	"github.com/gecl/otawatch/pkg/logging"
)

// Topics used by the update machinery.
const (
	TopicProgress = "ota/progress"
	TopicOutcome  = "ota/outcome"
)

// Publisher delivers a message to the device's reporting transport.
type Publisher interface {
	Publish(topic, message string) error
}

// Best publishes and logs any failure, for call sites that want the
// fire-and-forget semantics spelled out.
func Best(log logging.Logger, pub Publisher, topic, message string) {
	if pub == nil {
		return
	}
	if err := pub.Publish(topic, message); err != nil {
		log.WithError(err).WithField("topic", topic).Debug("telemetry publish failed")
	}
}

// LogPublisher writes messages through the logger, for deployments whose
// reporting transport is down or absent.
type LogPublisher struct {
	Log logging.Logger
}

func (p *LogPublisher) Publish(topic, message string) error {
	p.Log.WithField("topic", topic).Info(message)
	return nil
}
