package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/logger"
)

// SQSAPI is the subset of the SQS client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends to one queue. On FIFO queues the trace id is the
// deduplication id and vendor:user the message group.
type SQSPublisher struct {
	client   SQSAPI
	queueURL string
	fifo     bool
	logger   logger.Logger
}

// NewSQSPublisher options: queue_url (required), region, endpoint,
// access_key, secret_key, session_token.
func NewSQSPublisher(conf map[string]string, log logger.Logger) (Publisher, error) {
	queueURL, err := config.GetStringRequired(conf, "queue_url")
	if err != nil {
		return nil, fmt.Errorf("sqs: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var loadOpts []func(*awsconfig.LoadOptions) error
	if region := config.GetString(conf, "region", ""); region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	if ak := config.GetString(conf, "access_key", ""); ak != "" {
		provider := credentials.NewStaticCredentialsProvider(ak, conf["secret_key"], conf["session_token"])
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(provider))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("sqs: failed to load aws config: %w", err)
	}
	endpoint := config.GetString(conf, "endpoint", "")
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewSQSPublisherFromClient(client, queueURL, log), nil
}

func NewSQSPublisherFromClient(client SQSAPI, queueURL string, log logger.Logger) *SQSPublisher {
	return &SQSPublisher{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		logger:   log,
	}
}

func (s *SQSPublisher) Publish(ctx context.Context, msg *Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	attrs := make(map[string]types.MessageAttributeValue)
	for name, value := range map[string]string{
		"trace_id":   msg.TraceID,
		"vendor":     msg.Vendor,
		"event_type": msg.EventType,
	} {
		if value != "" {
			attrs[name] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(value)}
		}
	}
	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(raw)),
		MessageAttributes: attrs,
	}
	if s.fifo {
		dedup := msg.TraceID
		if dedup == "" {
			dedup = msg.ID
		}
		in.MessageDeduplicationId = aws.String(dedup)
		in.MessageGroupId = aws.String(msg.PartitionKey())
	}
	out, err := s.client.SendMessage(ctx, in)
	if err != nil {
		return unavailable("sqs", err)
	}
	s.logger.Trace("message published",
		logger.String("message_id", aws.ToString(out.MessageId)),
		logger.TraceID(msg.TraceID))
	return nil
}

func (s *SQSPublisher) Close() error {
	return nil
}
