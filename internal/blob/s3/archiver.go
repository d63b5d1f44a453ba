package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/alanyoungcy/campusclash/internal/domain"
)

// archivePartSize is the multipart chunk used for archive uploads.
const archivePartSize int64 = 8 * 1024 * 1024

// ArchivedPosition is one JSONL line of a position archive.
type ArchivedPosition struct {
	PositionID    string     `json:"position_id"`
	MarketID      string     `json:"market_id"`
	MarketTitle   string     `json:"market_title"`
	UserID        string     `json:"user_id"`
	Side          string     `json:"side"`
	Amount        int64      `json:"amount"`
	PlacedAt      time.Time  `json:"placed_at"`
	Status        string     `json:"status"`
	Payout        int64      `json:"payout"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	WinningSide   string     `json:"winning_side"`
	ResultInstant time.Time  `json:"result_instant"`
}

// ArchiveImpl implements domain.Archiver. It copies the positions of markets
// resolved in a time window to archive/positions/YYYY-MM.jsonl.
//
// Archived rows stay in the primary store; pruning them is a separate,
// explicit step once the archive has been verified.
type ArchiveImpl struct {
	writer    domain.BlobWriter
	reader    domain.BlobReader
	markets   domain.MarketStore
	positions domain.PositionStore
	audit     domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, stores domain.Stores) *ArchiveImpl {
	return &ArchiveImpl{
		writer:    writer,
		reader:    reader,
		markets:   stores.Markets,
		positions: stores.Positions,
		audit:     stores.Audit,
	}
}

// ArchivedMonths lists archive/positions/ and returns the months that have
// an object. Keys that do not parse as YYYY-MM.jsonl are ignored.
func (a *ArchiveImpl) ArchivedMonths(ctx context.Context) (map[time.Time]bool, error) {
	infos, err := a.reader.List(ctx, archivePrefix("positions"))
	if err != nil {
		return nil, fmt.Errorf("s3blob: list archived months: %w", err)
	}
	months := make(map[time.Time]bool, len(infos))
	for _, info := range infos {
		name, ok := strings.CutSuffix(path.Base(info.Path), ".jsonl")
		if !ok {
			continue
		}
		month, err := time.Parse("2006-01", name)
		if err != nil {
			continue
		}
		months[month] = true
	}
	return months, nil
}

// OldestResolution returns the earliest resolved_at in the store.
func (a *ArchiveImpl) OldestResolution(ctx context.Context) (time.Time, error) {
	t, err := a.markets.OldestResolvedAt(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("s3blob: oldest resolution: %w", err)
	}
	return t, nil
}

// ArchivePositions uploads every position of the markets resolved in
// [from, to) and returns how many were written. The object is named after
// the month of from, so re-running a window overwrites the same file.
func (a *ArchiveImpl) ArchivePositions(ctx context.Context, from, to time.Time) (int64, error) {
	markets, err := a.markets.ListResolvedBetween(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive positions query markets: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	var count int64
	for _, m := range markets {
		positions, err := a.positions.ListByMarket(ctx, m.ID, domain.ListOpts{})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive positions query %s: %w", m.ID, err)
		}
		for _, p := range positions {
			if err := enc.Encode(archivedPosition(m, p)); err != nil {
				return 0, fmt.Errorf("s3blob: archive positions encode %s: %w", p.ID, err)
			}
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}

	path := ArchivePath("positions", from)
	if err := a.writer.PutMultipart(ctx, path, &buf, archivePartSize); err != nil {
		return 0, fmt.Errorf("s3blob: archive positions upload: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.positions", map[string]any{
		"path":    path,
		"count":   count,
		"markets": len(markets),
		"from":    from.Format(time.RFC3339),
		"to":      to.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive positions audit log: %w", err)
	}
	return count, nil
}

func archivedPosition(m domain.Market, p domain.Position) ArchivedPosition {
	ap := ArchivedPosition{
		PositionID:  p.ID,
		MarketID:    m.ID,
		MarketTitle: m.Title,
		UserID:      p.UserID,
		Side:        string(p.Side),
		Amount:      p.Amount,
		PlacedAt:    p.PlacedAt,
		Status:      string(p.Status),
		Payout:      p.Payout,
		SettledAt:   p.SettledAt,
	}
	if m.Resolution != nil {
		ap.WinningSide = string(m.Resolution.WinningSide)
		ap.ResultInstant = m.Resolution.ResultInstant
	}
	return ap
}

// ArchivePath builds the key for an archive file, partitioned by month.
//
//	archive/positions/2026-01.jsonl
func ArchivePath(kind string, at time.Time) string {
	return archivePrefix(kind) + at.UTC().Format("2006-01") + ".jsonl"
}

func archivePrefix(kind string) string {
	return "archive/" + kind + "/"
}

// ReceiptPath is the key of a market's settlement receipt.
func ReceiptPath(marketID string) string {
	return "settlements/" + marketID + ".json"
}

// Compile-time interface check.
var _ domain.Archiver = (*ArchiveImpl)(nil)
