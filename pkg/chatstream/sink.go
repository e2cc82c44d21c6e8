package chatstream

import (
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// publishJSON mirrors a stream event onto a watermill topic. Publishing is
// best-effort: a broken sink must never stall the read loop.
func publishJSON(pub message.Publisher, topic string, payload map[string]any) {
	b, err := json.Marshal(payload)
	if err != nil {
		log.Warn().Err(err).Str("component", "chatstream").Msg("could not marshal stream event")
		return
	}
	msg := message.NewMessage(uuid.NewString(), b)
	if err := pub.Publish(topic, msg); err != nil {
		log.Warn().Err(err).Str("component", "chatstream").Str("topic", topic).Msg("could not publish stream event")
	}
}
