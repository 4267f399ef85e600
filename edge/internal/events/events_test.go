package events

import (
	"context"
	"testing"
	"time"

	"github.com/alimk/edge-agent/pkg/models"
)

func TestTopic(t *testing.T) {
	t.Parallel()

	if got := Topic("dev-abcdef"); got != "devices/dev-abcdef/events" {
		t.Errorf("Topic = %q", got)
	}
}

func TestNewEventValidates(t *testing.T) {
	t.Parallel()

	at := time.Unix(1_700_000_000, 0)
	a := New("dev-1", models.EventBoot, at, map[string]string{"version": "1.0.0"})
	b := New("dev-1", models.EventBoot, at, nil)

	if err := a.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if a.EventID == b.EventID {
		t.Error("event ids must be unique")
	}
	if a.Timestamp != at.Unix() || a.Attributes["version"] != "1.0.0" {
		t.Errorf("unexpected event %+v", a)
	}
}

func TestNop(t *testing.T) {
	t.Parallel()

	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), models.DeviceEvent{}); err != nil {
		t.Error(err)
	}
}
