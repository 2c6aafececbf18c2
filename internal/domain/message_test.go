package domain

import (
	"errors"
	"testing"
)

func TestConversationKeyRoundTrip(t *testing.T) {
	tests := []ConversationKey{
		{ChatID: 42},
		{ChatID: -1001234567890, ThreadID: 17},
	}
	for _, k := range tests {
		got, err := ParseConversationKey(k.String())
		if err != nil {
			t.Fatalf("ParseConversationKey(%q): %v", k.String(), err)
		}
		if got != k {
			t.Errorf("got %+v, want %+v", got, k)
		}
	}
}

func TestParseConversationKeyInvalid(t *testing.T) {
	for _, s := range []string{"", "42", "a:1", "1:b", "1:-3"} {
		if _, err := ParseConversationKey(s); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("ParseConversationKey(%q) err = %v, want ErrInvalidInput", s, err)
		}
	}
}

func TestStopControlRoundTrip(t *testing.T) {
	key := NewConversationKey(-100500, 3)
	data := StopControlData(key)
	if data != "stop:-100500:3" {
		t.Fatalf("data = %q", data)
	}
	got, err := ParseStopControl(data)
	if err != nil {
		t.Fatalf("ParseStopControl: %v", err)
	}
	if got != key {
		t.Errorf("got %+v, want %+v", got, key)
	}

	if _, err := ParseStopControl("other:1:0"); err == nil {
		t.Error("expected error for non-stop payload")
	}
}

func TestStopControlsShape(t *testing.T) {
	c := StopControls(NewConversationKey(1, 0), "Stop")
	if len(c.Rows) != 1 || len(c.Rows[0]) != 1 {
		t.Fatalf("unexpected grid %+v", c.Rows)
	}
	if c.Rows[0][0].Data != "stop:1:0" {
		t.Errorf("data = %q", c.Rows[0][0].Data)
	}
	if nc := NoControls(); nc == nil || len(nc.Rows) != 0 {
		t.Errorf("NoControls = %+v", nc)
	}
}

func TestStreamEventTerminal(t *testing.T) {
	if ContentDelta("x").Terminal() || UsageSummary(Usage{}).Terminal() {
		t.Error("non-terminal events reported terminal")
	}
	if !Done().Terminal() || !StreamFailed(ErrTransport).Terminal() {
		t.Error("terminal events not reported terminal")
	}
	if EventDone.String() != "done" {
		t.Errorf("String = %q", EventDone.String())
	}
}
