package reader

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"riskflow/internal/channel"
	"riskflow/logger"
	"riskflow/models"
)

func testBatchReader(t *testing.T) (*S3BatchReader, *channel.Channels) {
	t.Helper()
	channels := channel.NewChannels(channel.Buffers{Raw: 16})
	return &S3BatchReader{
		channels: channels,
		ctx:      context.Background(),
		log:      logger.GetLogger(),
	}, channels
}

func TestIngestCSVForwardsEveryRow(t *testing.T) {
	r, channels := testBatchReader(t)

	// one clean row, one with a garbage amount, one with the amount missing;
	// rejection is the validator's job, so all three must reach the channel
	csv := strings.Join([]string{
		"position_id,region,currency,asset_class,haircut_category,amount,reported_at",
		"p1,EU,EUR,CASH,LEVEL_1,1500.50,2026-03-10T10:07:33Z",
		"p2,EU,EUR,CASH,LEVEL_1,ten,2026-03-10T10:07:33Z",
		"p3,EU,EUR,CASH,LEVEL_1,,2026-03-10T10:07:33Z",
	}, "\n")

	rows, err := r.ingestCSV("incoming/positions.csv", strings.NewReader(csv))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if rows != 3 {
		t.Fatalf("rows = %d, want 3", rows)
	}

	var wires []models.WirePosition
	for i := 0; i < 3; i++ {
		raw := <-channels.Raw
		if raw.Source != sourceS3Batch {
			t.Fatalf("source = %q", raw.Source)
		}
		var wire models.WirePosition
		if err := json.Unmarshal(raw.Data, &wire); err != nil && !strings.Contains(err.Error(), "into Number") {
			t.Fatalf("row %d payload: %v", i, err)
		}
		wires = append(wires, wire)
	}

	if wires[0].Amount.String() != "1500.50" {
		t.Fatalf("amount = %q, want 1500.50", wires[0].Amount)
	}
	if wires[2].PositionID != "p3" || wires[2].Amount != "" {
		t.Fatalf("missing amount should decode as absent, got %q", wires[2].Amount)
	}
}
