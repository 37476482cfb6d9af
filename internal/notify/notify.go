// Package notify publishes assessment terminal transitions for downstream consumers
// such as report generation.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/amillerrr/video-qc/internal/metrics"
	"github.com/amillerrr/video-qc/pkg/models"
)

// Event describes an assessment reaching a terminal status.
type Event struct {
	AssessmentID string                  `json:"assessmentId"`
	BatchID      string                  `json:"batchId,omitempty"`
	Status       models.AssessmentStatus `json:"status"`
	VMAFScore    *float64                `json:"vmafScore,omitempty"`
	ErrorMessage string                  `json:"errorMessage,omitempty"`
	OccurredAt   time.Time               `json:"occurredAt"`
}

// EventFromAssessment builds an Event from the stored assessment.
func EventFromAssessment(a *models.Assessment, at time.Time) Event {
	return Event{
		AssessmentID: a.ID,
		BatchID:      a.BatchID,
		Status:       a.Status,
		VMAFScore:    a.VMAFScore,
		ErrorMessage: a.ErrorMessage,
		OccurredAt:   at.UTC(),
	}
}

// SQSAPI is the subset of the SQS client used by SQSPublisher.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends events to an SQS queue.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	log      *slog.Logger
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SQSAPI, queueURL string, log *slog.Logger) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		log:      log,
	}
}

// Publish sends the event as a JSON message with a status attribute for filtering.
func (p *SQSPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		metrics.NotificationsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(ev.Status)),
			},
		},
	})
	if err != nil {
		metrics.NotificationsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to send event: %w", err)
	}

	metrics.NotificationsPublished.WithLabelValues("success").Inc()
	p.log.DebugContext(ctx, "Assessment event published",
		"assessmentId", ev.AssessmentID,
		"status", ev.Status,
	)
	return nil
}

// Nop discards events. It is used when no queue is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
