package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Control Events (append-only)
	AppendEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*EventRecord, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*EventRecord, error)

	// Archived Executions
	ArchiveExecution(ctx context.Context, archived *ArchivedExecution) error
	GetArchivedExecution(ctx context.Context, executionID string) (*ArchivedExecution, error)
	ListArchivedExecutions(ctx context.Context, filter ArchiveFilter) ([]*ArchivedExecution, error)

	// Archived Checkpoints
	ArchiveCheckpoint(ctx context.Context, cp *ArchivedCheckpoint) error
	ListArchivedCheckpoints(ctx context.Context, executionID string) ([]*ArchivedCheckpoint, error)

	// Operators
	RegisterOperator(ctx context.Context, op *Operator) error
	GetOperator(ctx context.Context, id string) (*Operator, error)
	UpdateOperatorSeen(ctx context.Context, id string) error
	ListOperators(ctx context.Context) ([]*Operator, error)

	// Credentials (ciphertext at rest)
	StoreCredential(ctx context.Context, key string, value []byte) error
	GetCredential(ctx context.Context, key string) ([]byte, error)
	DeleteCredential(ctx context.Context, key string) error
	ListCredentials(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
