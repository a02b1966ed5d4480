package ledger

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger operation and its outcome.
type OperationLog struct {
	Operation   string
	Owner       OwnerID
	ItemKey     ItemKey
	GrantKey    GrantKey
	Amount      Credits
	NewBalance  Credits
	Attempts    int
	Status      string
	Error       error
	NotifyError error
}

// WithOperationLogger adds a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		if logger != nil {
			service.loggers = append(service.loggers, logger)
		}
	}
}

// WithPublisher wires the sink that receives balance updates after commit.
func WithPublisher(publisher BalancePublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithOwnerDirectory makes unknown owners fail with ErrUnknownOwner.
func WithOwnerDirectory(directory OwnerDirectory) ServiceOption {
	return func(service *Service) {
		service.directory = directory
	}
}

// WithRetryBudget sets how many extra attempts a transient store conflict gets.
func WithRetryBudget(retries int) ServiceOption {
	return func(service *Service) {
		if retries >= 0 {
			service.retryBudget = retries
		}
	}
}

// WithRetryBackoff sets the base pause between attempts.
func WithRetryBackoff(backoff time.Duration) ServiceOption {
	return func(service *Service) {
		if backoff >= 0 {
			service.retryBackoff = backoff
		}
	}
}
