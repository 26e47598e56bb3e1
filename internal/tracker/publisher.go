package tracker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// Sink receives engagement events from the HTTP tracking endpoints.
type Sink interface {
	Publish(ctx context.Context, evt EngagementEvent)
}

// Publisher pushes engagement events onto SQS. Publishing is fire and
// forget; tracking endpoints must answer fast and a lost open is
// acceptable.
type Publisher struct {
	client   *sqs.Client
	queueURL string
}

// NewPublisher creates an SQS-backed sink.
func NewPublisher(client *sqs.Client, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

func (p *Publisher) Publish(_ context.Context, evt EngagementEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		log.Printf("[Tracker] marshal engagement event: %v", err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.queueURL),
			MessageBody: aws.String(string(body)),
		})
		if err != nil {
			log.Printf("[Tracker] publish to SQS: %v", err)
		}
	}()
}

// DirectSink applies events synchronously without a queue. Used in
// development mode and tests.
type DirectSink struct{ Tracker *Tracker }

func (d *DirectSink) Publish(ctx context.Context, evt EngagementEvent) {
	if err := d.Tracker.Process(ctx, evt); err != nil {
		log.Printf("[Tracker] process engagement event: %v", err)
	}
}
