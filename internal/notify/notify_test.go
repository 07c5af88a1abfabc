package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(zerolog.New(&buf))

	err := n.Notify(context.Background(), Notice{
		Audience: AudienceClient,
		Kind:     "gradual_reduction",
		AppID:    "chat",
		Title:    "Daily limit lowered",
		Body:     "Chat is now limited to 50 minutes a day",
	})
	if err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"component":"notify"`, `"app_id":"chat"`, "50 minutes"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
}

func TestMultiDeliversToAll(t *testing.T) {
	boom := errors.New("boom")
	var calls int

	m := Multi{
		Func(func(context.Context, Notice) error { calls++; return boom }),
		Func(func(context.Context, Notice) error { calls++; return nil }),
	}

	if err := m.Notify(context.Background(), Notice{}); !errors.Is(err, boom) {
		t.Errorf("expected first error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected both notifiers called, got %d", calls)
	}
}
