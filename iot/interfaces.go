// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

import (
	"context"
	"time"

	"github.com/relabs-tech/devicecerts/core/logger"
)

// MessagePublisher is an interface to publish MQTT message
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// device lifecycle event types
const (
	EventCreated = "created"
	EventDeleted = "deleted"
)

// Event is a device lifecycle event
type Event struct {
	Type      string    `json:"type"`
	Device    string    `json:"device"`
	Serial    string    `json:"serial,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is informed about device lifecycle events
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Notifiers notifies several notifiers in order
type Notifiers []Notifier

// Notify implements Notifier. It notifies all notifiers and returns the first error.
func (n Notifiers) Notify(ctx context.Context, event Event) error {
	var first error
	for _, notifier := range n {
		if err := notifier.Notify(ctx, event); err != nil {
			logger.FromContext(ctx).WithError(err).Errorf("cannot notify %s event for %s", event.Type, event.Device)
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// DeviceLookup tells whether a device is registered
type DeviceLookup interface {
	DeviceExists(ctx context.Context, name string) (bool, error)
}
