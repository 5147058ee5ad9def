package aws

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/eventcore/internal/runtime/jsoncodec"
	"github.com/drblury/eventcore/transport"
)

// PackedHeadersKey carries every message header as one JSON attribute. SNS
// accepts at most 10 message attributes and an envelope has more headers
// than that.
const PackedHeadersKey = "eventcore_headers"

func wrapHeaders(tr transport.Transport) (transport.Transport, error) {
	subscriber, err := message.MessageTransformSubscriberDecorator(UnpackHeaders)(tr.Subscriber)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: packingPublisher{tr.Publisher}, Subscriber: subscriber}, nil
}

// packingPublisher publishes copies so the caller's messages keep their headers.
type packingPublisher struct {
	message.Publisher
}

func (p packingPublisher) Publish(topic string, messages ...*message.Message) error {
	packed := make([]*message.Message, len(messages))
	for i, msg := range messages {
		out := msg.CopyWithContext()
		PackHeaders(out)
		packed[i] = out
	}
	return p.Publisher.Publish(topic, packed...)
}

// PackHeaders folds msg's metadata into PackedHeadersKey.
func PackHeaders(msg *message.Message) {
	if len(msg.Metadata) == 0 {
		return
	}
	packed, err := jsoncodec.EncodeMap(msg.Metadata)
	if err != nil {
		return
	}
	msg.Metadata = message.Metadata{PackedHeadersKey: string(packed)}
}

// UnpackHeaders restores headers folded by PackHeaders. Messages published
// by other producers are left alone; headers the packed set does not hold
// are kept.
func UnpackHeaders(msg *message.Message) {
	packed, ok := msg.Metadata[PackedHeadersKey]
	if !ok {
		return
	}
	headers, err := jsoncodec.DecodeMap([]byte(packed))
	if err != nil {
		return
	}
	delete(msg.Metadata, PackedHeadersKey)
	for k, v := range headers {
		msg.Metadata.Set(k, v)
	}
}
