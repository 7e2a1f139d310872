package recording

import "context"

// Source resolves a command into a stream for one service kind.
type Source interface {
	CanHandle(serviceKind string) bool
	Prepare(ctx context.Context, cmd Command) (*SourceResult, error)
}

// Storage manages the temp file and the committed file of a capture.
type Storage interface {
	Prepare(ctx context.Context, program ProgramInfo) (MediaPath, error)
	Commit(ctx context.Context, path MediaPath) (MediaPath, error)
	CleanupTemp(ctx context.Context, path MediaPath) error
}

// Capturer writes the stream to path.TempPath. It returns false when the
// capture did not produce a usable file.
type Capturer interface {
	Record(ctx context.Context, src *SourceResult, path MediaPath) (bool, error)
}

// Repository persists recording attempts.
type Repository interface {
	Create(ctx context.Context, rec *Recording) (string, error)
	UpdateState(ctx context.Context, id string, state State, errorMessage string) error
	UpdateFilePath(ctx context.Context, id string, path MediaPath) error
}

// StatePublisher fans attempt state changes out to listeners.
type StatePublisher interface {
	PublishState(ctx context.Context, event StateChangedEvent) error
}

// ToastPublisher delivers user-facing notices.
type ToastPublisher interface {
	PublishToast(ctx context.Context, event ToastEvent) error
}

// NoopPublisher discards every event.
type NoopPublisher struct{}

func (NoopPublisher) PublishState(context.Context, StateChangedEvent) error { return nil }
func (NoopPublisher) PublishToast(context.Context, ToastEvent) error        { return nil }
