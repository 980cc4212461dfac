package storage

import (
	"fmt"
	"strings"
	"time"
)

const webhookPrefix = "webhooks"

// WebhookObjectPath composes the archive key webhooks/YYYY/MM/DD/<eventId>.json. The date is the
// UTC day the event was received.
func WebhookObjectPath(eventID string, receivedAt time.Time) (string, error) {
	id, err := validateSegment("eventID", eventID)
	if err != nil {
		return "", err
	}
	if receivedAt.IsZero() {
		return "", fmt.Errorf("storage: receivedAt is required")
	}
	return fmt.Sprintf("%s/%s/%s.json", webhookPrefix, receivedAt.UTC().Format("2006/01/02"), id), nil
}

func validateSegment(name, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("storage: %s is required", name)
	}
	if strings.ContainsAny(value, "/\\") {
		return "", fmt.Errorf("storage: %s contains invalid path characters", name)
	}
	if strings.Contains(value, "..") {
		return "", fmt.Errorf("storage: %s contains invalid traversal sequence", name)
	}
	return value, nil
}
