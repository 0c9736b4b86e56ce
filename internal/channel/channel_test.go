package channel

import (
	"context"
	"testing"
	"time"

	"riskflow/models"
)

func TestNewChannelsBuffers(t *testing.T) {
	c := NewChannels(Buffers{Raw: 10, Valid: 5, Quarantine: 2})

	if cap(c.Raw) != 10 {
		t.Errorf("expected raw capacity 10, got %d", cap(c.Raw))
	}
	if cap(c.Valid) != 5 {
		t.Errorf("expected valid capacity 5, got %d", cap(c.Valid))
	}
	// unset buffers get a minimum capacity of one
	if cap(c.Metrics) != 1 {
		t.Errorf("expected metrics capacity 1, got %d", cap(c.Metrics))
	}
}

func TestSendRaw(t *testing.T) {
	c := NewChannels(Buffers{Raw: 1})

	if !c.SendRaw(context.Background(), models.RawPositionRecord{Source: "test"}) {
		t.Fatalf("send into empty buffer should succeed")
	}
	rec := <-c.Raw
	if rec.Source != "test" {
		t.Errorf("unexpected record source '%s'", rec.Source)
	}

	stats := c.GetStats()
	if stats.RawSent != 1 {
		t.Errorf("expected 1 raw sent, got %d", stats.RawSent)
	}
}

func TestSendRawCancelled(t *testing.T) {
	c := NewChannels(Buffers{Raw: 1})
	c.Raw <- models.RawPositionRecord{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if c.SendRaw(ctx, models.RawPositionRecord{}) {
		t.Fatalf("send into full buffer with cancelled context should fail")
	}
	if stats := c.GetStats(); stats.RawDropped != 1 {
		t.Errorf("expected 1 raw dropped, got %d", stats.RawDropped)
	}
}

func TestSendQuarantineDropsWhenFull(t *testing.T) {
	c := NewChannels(Buffers{Quarantine: 1})
	ctx := context.Background()

	if !c.SendQuarantine(ctx, models.QuarantinedRecord{}) {
		t.Fatalf("first quarantine send should succeed")
	}
	// buffer is full now, second send must not block
	done := make(chan bool, 1)
	go func() {
		done <- c.SendQuarantine(ctx, models.QuarantinedRecord{})
	}()
	select {
	case ok := <-done:
		if ok {
			t.Errorf("send into full quarantine buffer should report a drop")
		}
	case <-time.After(time.Second):
		t.Fatalf("quarantine send blocked on full buffer")
	}

	stats := c.GetStats()
	if stats.QuarantineSent != 1 || stats.QuarantineDropped != 1 {
		t.Errorf("unexpected quarantine stats: %+v", stats)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := NewChannels(Buffers{})
	c.Close()
	c.Close()

	if _, ok := <-c.Raw; ok {
		t.Fatalf("raw channel should be closed")
	}
}
