package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/sirupsen/logrus"
)

// AWSQueue implementation
type AWSQueue struct {
	QueueURL string
	queue    *sqs.SQS
	log      *logrus.Entry
}

// InitAWSQueue ...
func InitAWSQueue(cfg Config, log *logrus.Entry) (*AWSQueue, error) {
	awsCfg := &aws.Config{
		Region:     aws.String(cfg.Region),
		MaxRetries: aws.Int(cfg.Retries),
	}
	if cfg.CredentialsFile != "" || cfg.CredentialsProfile != "" {
		awsCfg.Credentials = credentials.NewSharedCredentials(cfg.CredentialsFile, cfg.CredentialsProfile)
	}
	ssn, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &AWSQueue{
		queue:    sqs.New(ssn),
		QueueURL: fmt.Sprintf("%s/%s", cfg.URL, cfg.Name),
		log:      log,
	}, nil
}

// SendMessage ...
func (q *AWSQueue) SendMessage(ctx context.Context, message string) error {
	msg := &sqs.SendMessageInput{
		MessageBody:  aws.String(message),
		QueueUrl:     aws.String(q.QueueURL),
		DelaySeconds: aws.Int64(0),
	}
	sendResponse, err := q.queue.SendMessageWithContext(ctx, msg)
	if err != nil {
		return err
	}
	q.log.WithFields(logrus.Fields{
		"event": "send_message",
		"queue": "aws_sqs",
	}).Debug(aws.StringValue(sendResponse.MessageId))
	return nil
}
