package outbox

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"PulseRelay/internal/csvparser"
	"PulseRelay/internal/models"
	"PulseRelay/internal/queue"
)

// BulkRequest enqueues one templated notification per CSV row, sharing a
// notification id across the batch unless one is supplied.
type BulkRequest struct {
	NotificationID string
	Channel        models.Channel
	Template       string
	Priority       models.Priority
	MaxRows        int
}

type BulkResult struct {
	Line    int      `json:"line"`
	Receipt *Receipt `json:"receipt,omitempty"`
	Error   string   `json:"error,omitempty"`
}

type BulkReport struct {
	NotificationID string               `json:"notification_id"`
	Queued         int                  `json:"queued"`
	Rejected       int                  `json:"rejected"`
	Results        []BulkResult         `json:"results"`
	Skipped        []csvparser.RowError `json:"skipped,omitempty"`
}

// EnqueueBulk parses csv and enqueues each row. Row-level failures are
// reported per line; a store outage stops the batch and is returned along
// with the rows already queued.
func (s *Service) EnqueueBulk(ctx context.Context, req BulkRequest, csv io.Reader) (BulkReport, error) {
	parsed, err := csvparser.ParseRecipientRows(csv, req.MaxRows)
	if err != nil {
		return BulkReport{}, &models.ValidationError{Field: "csv", Reason: err.Error()}
	}

	notificationID := req.NotificationID
	if notificationID == "" {
		notificationID = newNotificationID()
	}

	report := BulkReport{NotificationID: notificationID, Skipped: parsed.Skipped}
	for _, row := range parsed.Rows {
		vars := make(map[string]any, len(row.Fields))
		for k, v := range row.Fields {
			vars[k] = v
		}

		receipt, err := s.EnqueueTemplate(ctx, TemplateRequest{
			NotificationID: notificationID,
			Channel:        req.Channel,
			Recipient:      row.Recipient,
			Template:       req.Template,
			Variables:      vars,
			Priority:       req.Priority,
		})
		if err != nil {
			if errors.Is(err, queue.ErrStoreUnavailable) {
				return report, err
			}
			report.Rejected++
			report.Results = append(report.Results, BulkResult{Line: row.Line, Error: err.Error()})
			continue
		}
		report.Queued++
		report.Results = append(report.Results, BulkResult{Line: row.Line, Receipt: &receipt})
	}

	s.logger.Info("bulk import processed",
		zap.String("notification_id", notificationID),
		zap.Int("queued", report.Queued),
		zap.Int("rejected", report.Rejected),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}
