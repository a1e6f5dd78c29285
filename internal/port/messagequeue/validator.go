package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Strob0t/DeskRelay/internal/domain/channel"
)

// Decode validates data published on subject and returns the domain event.
// The subject's channel and kind must agree with the payload.
func Decode(subject string, data []byte) (channel.Event, error) {
	if !json.Valid(data) {
		return channel.Event{}, fmt.Errorf("invalid JSON on subject %s", subject)
	}

	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != SubjectPrefix {
		return channel.Event{}, fmt.Errorf("unexpected subject %s", subject)
	}

	var ev channel.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return channel.Event{}, fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	if string(ev.Channel) != parts[1] || string(ev.Kind) != parts[2] {
		return channel.Event{}, fmt.Errorf("subject %s does not match event %s.%s", subject, ev.Channel, ev.Kind)
	}
	if err := ev.Validate(); err != nil {
		return channel.Event{}, fmt.Errorf("subject %s: %w", subject, err)
	}
	return ev, nil
}

// Encode validates ev, serializes it and returns the subject to publish it on.
func Encode(ev channel.Event) (string, []byte, error) {
	if err := ev.Validate(); err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event: %w", err)
	}
	return Subject(ev.Channel, ev.Kind), data, nil
}
