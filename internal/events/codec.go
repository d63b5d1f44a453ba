// Package events encodes ledger events for the signal bus and the live feed.
// Frames are protobuf-encoded google.protobuf.Struct messages, so browser
// clients can decode them with any protobuf runtime without a custom schema.
package events

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// Encode serializes e into a protobuf Struct frame.
func Encode(e domain.LedgerEvent) ([]byte, error) {
	fields := map[string]any{
		"type": string(e.Type),
		"at":   e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.MarketID != "" {
		fields["market_id"] = e.MarketID
	}
	if len(e.MarketIDs) > 0 {
		ids := make([]any, len(e.MarketIDs))
		for i, id := range e.MarketIDs {
			ids[i] = id
		}
		fields["market_ids"] = ids
	}
	switch e.Type {
	case domain.EventWagerPlaced:
		fields["user_id"] = e.UserID
		fields["position_id"] = e.PositionID
		fields["side"] = string(e.Side)
		fields["amount"] = e.Amount
		fields["pool_a"] = e.PoolA
		fields["pool_b"] = e.PoolB
	case domain.EventMarketSettled:
		fields["winning_side"] = string(e.WinningSide)
		fields["late_refunds"] = e.LateRefunds
		fields["residual"] = e.Residual
		fields["pool_a"] = e.PoolA
		fields["pool_b"] = e.PoolB
	case domain.EventMarketCreated:
		fields["user_id"] = e.UserID
	}

	st, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("events: build frame %s: %w", e.Type, err)
	}
	data, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("events: marshal frame %s: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses a frame produced by Encode.
func Decode(data []byte) (domain.LedgerEvent, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return domain.LedgerEvent{}, fmt.Errorf("events: unmarshal frame: %w", err)
	}
	f := st.GetFields()

	e := domain.LedgerEvent{
		Type:        domain.EventType(f["type"].GetStringValue()),
		MarketID:    f["market_id"].GetStringValue(),
		UserID:      f["user_id"].GetStringValue(),
		PositionID:  f["position_id"].GetStringValue(),
		Side:        domain.Side(f["side"].GetStringValue()),
		Amount:      int64(f["amount"].GetNumberValue()),
		PoolA:       int64(f["pool_a"].GetNumberValue()),
		PoolB:       int64(f["pool_b"].GetNumberValue()),
		WinningSide: domain.Side(f["winning_side"].GetStringValue()),
		LateRefunds: int(f["late_refunds"].GetNumberValue()),
		Residual:    int64(f["residual"].GetNumberValue()),
	}
	if e.Type == "" {
		return domain.LedgerEvent{}, fmt.Errorf("events: frame has no type")
	}
	for _, v := range f["market_ids"].GetListValue().GetValues() {
		e.MarketIDs = append(e.MarketIDs, v.GetStringValue())
	}
	if at := f["at"].GetStringValue(); at != "" {
		t, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return domain.LedgerEvent{}, fmt.Errorf("events: parse time: %w", err)
		}
		e.At = t
	}
	return e, nil
}
