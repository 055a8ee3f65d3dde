package queue

import "context"

// Config - unified configuration for queue service
type Config struct {
	Name string
	URL  string

	//AWS specified
	Region             string
	CredentialsFile    string
	CredentialsProfile string
	Retries            int
}

// Enabled reports whether a queue is configured at all.
func (cfg Config) Enabled() bool {
	return cfg.URL != "" && cfg.Name != ""
}

// Client interface for queue interaction (SQS Based)
type Client interface {
	SendMessage(ctx context.Context, message string) error
}
