package storage

import (
	"strings"
	"testing"
	"time"
)

func TestMessageSaveAndQuery(t *testing.T) {
	store := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)

	mustSaveMessage(t, store, "m1", "ALPHA-1", "BRAVO-6", DirectionSent, base)
	mustSaveMessage(t, store, "m2", "BRAVO-6", "ALPHA-1", DirectionReceived, base.Add(time.Second))
	mustSaveMessage(t, store, "m3", "ALPHA-1", "CHARLIE-3", DirectionSent, base.Add(2*time.Second))

	if err := store.SaveMessage(Message{
		ID:         "m4",
		Sender:     "BRAVO-6",
		Recipient:  "ALPHA-1",
		Text:       "urgent",
		Direction:  DirectionReceived,
		Priority:   true,
		AutoDelete: true,
		Timestamp:  base.Add(3 * time.Second),
		RecordedAt: base.Add(4 * time.Second),
	}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	conversation, err := store.GetMessages("BRAVO-6", 10)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(conversation) != 3 {
		t.Fatalf("expected 3 messages with BRAVO-6, got %d", len(conversation))
	}
	if conversation[0].ID != "m4" || conversation[2].ID != "m1" {
		t.Fatalf("expected newest first, got %s..%s", conversation[0].ID, conversation[2].ID)
	}

	urgent := conversation[0]
	if !urgent.Priority || !urgent.AutoDelete || urgent.Text != "urgent" {
		t.Fatalf("flags not round-tripped: %+v", urgent)
	}
	if !urgent.Timestamp.Equal(base.Add(3*time.Second)) || !urgent.RecordedAt.Equal(base.Add(4*time.Second)) {
		t.Fatalf("timestamps not round-tripped: %+v", urgent)
	}

	limited, err := store.GetMessages("BRAVO-6", 1)
	if err != nil {
		t.Fatalf("GetMessages limited failed: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "m4" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}
}

func TestSaveMessageValidates(t *testing.T) {
	store := newTestStore(t)

	cases := []Message{
		{Sender: "A", Recipient: "B", Direction: DirectionSent},
		{ID: "x", Recipient: "B", Direction: DirectionSent},
		{ID: "x", Sender: "A", Direction: DirectionSent},
		{ID: "x", Sender: "A", Recipient: "B", Direction: "sideways"},
	}
	for i, message := range cases {
		if err := store.SaveMessage(message); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}

	if err := store.SaveMessage(Message{ID: "empty", Sender: "A", Recipient: "B", Direction: DirectionReceived}); err != nil {
		t.Fatalf("empty text should be accepted: %v", err)
	}
}

func TestDeleteMessages(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	mustSaveMessage(t, store, "m1", "ALPHA-1", "BRAVO-6", DirectionSent, now)
	mustSaveMessage(t, store, "m2", "ALPHA-1", "BRAVO-6", DirectionSent, now)
	mustSaveMessage(t, store, "m3", "ALPHA-1", "BRAVO-6", DirectionSent, now)

	deleted, err := store.DeleteMessages("m1", "m3", "missing")
	if err != nil {
		t.Fatalf("DeleteMessages failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 deleted, got %d", deleted)
	}
	if n, _ := store.DeleteMessages(); n != 0 {
		t.Fatalf("expected no-op for empty ID list")
	}

	deleted, err = store.DeleteAllMessages()
	if err != nil {
		t.Fatalf("DeleteAllMessages failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 remaining row deleted, got %d", deleted)
	}
	if count, _ := store.CountMessages(); count != 0 {
		t.Fatalf("expected empty table, got %d", count)
	}
}

func TestGetMessagesKeepsArrivalOrder(t *testing.T) {
	store := newTestStore(t)
	arrived := time.UnixMilli(1_700_000_000_000)

	// The sender's clock runs an hour ahead of ours for the first message.
	for _, m := range []Message{
		{ID: "first", Timestamp: arrived.Add(time.Hour), RecordedAt: arrived},
		{ID: "second", Timestamp: arrived, RecordedAt: arrived.Add(time.Second)},
		{ID: "third", Timestamp: arrived.Add(-time.Hour), RecordedAt: arrived.Add(time.Second)},
	} {
		m.Sender, m.Recipient, m.Direction, m.Text = "BRAVO-6", "ALPHA-1", DirectionReceived, m.ID
		if err := store.SaveMessage(m); err != nil {
			t.Fatalf("SaveMessage %q failed: %v", m.ID, err)
		}
	}

	conversation, err := store.GetMessages("BRAVO-6", 10)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	got := make([]string, 0, len(conversation))
	for _, m := range conversation {
		got = append(got, m.ID)
	}
	if strings.Join(got, ",") != "third,second,first" {
		t.Fatalf("expected latest arrival first, got %v", got)
	}
	if !conversation[2].Timestamp.Equal(arrived.Add(time.Hour)) {
		t.Fatalf("sender timestamp must be kept for display, got %v", conversation[2].Timestamp)
	}
}
