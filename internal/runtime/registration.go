package runtime

import (
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/eventcore/internal/runtime/errors"
)

// MessageHandlerRegistration wires a raw Watermill handler that bypasses the
// consumption boundary, for example a monitor on the poison queue.
type MessageHandlerRegistration struct {
	Name       string
	Topic      string
	Handler    message.NoPublishHandlerFunc
	Subscriber message.Subscriber
}

// RegisterMessageHandler attaches the provided handler to the service router.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.Topic == "" {
		return errspkg.ErrTopicRequired
	}
	if cfg.Name == "" {
		return errspkg.ErrHandlerNameRequired
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = svc.subscriber
	}

	svc.router.AddConsumerHandler(cfg.Name, cfg.Topic, cfg.Subscriber, cfg.Handler)
	return nil
}

// ConsumerRegistration creates a named consumer, lets register bind its
// handlers and subscribes it to every event of TenantID.
type ConsumerRegistration struct {
	Name     string
	TenantID string
	Register func(*Consumer) error
}

// RegisterConsumer is the one-call form of NewConsumer, Register and SubscribeTenant.
func RegisterConsumer(svc *Service, cfg ConsumerRegistration) (*Consumer, error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if cfg.Register == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	consumer, err := svc.NewConsumer(cfg.Name, cfg.TenantID)
	if err != nil {
		return nil, err
	}
	if err := cfg.Register(consumer); err != nil {
		return nil, err
	}
	if err := svc.SubscribeTenant(consumer, cfg.TenantID); err != nil {
		return nil, err
	}
	return consumer, nil
}
