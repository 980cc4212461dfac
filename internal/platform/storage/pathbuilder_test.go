package storage

import (
	"testing"
	"time"
)

func TestWebhookObjectPathUsesUTCDay(t *testing.T) {
	helsinki := time.FixedZone("EEST", 3*60*60)
	received := time.Date(2025, 5, 7, 1, 30, 0, 0, helsinki)

	path, err := WebhookObjectPath("evt_1PqR", received)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "webhooks/2025/05/06/evt_1PqR.json"
	if path != expected {
		t.Fatalf("expected %s, got %s", expected, path)
	}
}

func TestWebhookObjectPathRejectsInvalidInput(t *testing.T) {
	now := time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"", "  ", "../evt", "evt/1", `evt\1`} {
		if _, err := WebhookObjectPath(id, now); err == nil {
			t.Fatalf("expected error for event id %q", id)
		}
	}
	if _, err := WebhookObjectPath("evt_1", time.Time{}); err == nil {
		t.Fatalf("expected error for zero receivedAt")
	}
}
