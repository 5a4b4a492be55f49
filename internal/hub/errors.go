package hub

import "errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrHubStopped        = errors.New("hub was stopped and cannot be restarted")
	ErrEmptyTopic        = errors.New("topic is empty")
	ErrNilSubscriber     = errors.New("subscriber is nil")
	ErrNilClient         = errors.New("redis client is nil")
)
