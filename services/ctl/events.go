package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"ingestd/pkg/bus"
)

// DefaultEventSubject is the subject events followers watch when none is
// given: terminal operation notifications.
const DefaultEventSubject = bus.SubjectOperationFinished

// FollowEvents subscribes to a lifecycle subject on NATS and writes one JSON
// line per event to out until ctx is cancelled.
func FollowEvents(ctx context.Context, natsURL, subject, durable string, out io.Writer) error {
	if subject == "" {
		subject = DefaultEventSubject
	}

	events, err := bus.New(natsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer events.Close()

	sub, err := events.Subscribe(ctx, subject, durable, func(_ context.Context, data []byte) error {
		line, err := renderEvent(data)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, line)
		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Close()

	<-ctx.Done()
	return nil
}

// renderEvent compacts an event payload onto a single line.
func renderEvent(data []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return "", fmt.Errorf("malformed event: %w", err)
	}
	return buf.String(), nil
}
