package incident

import (
	"context"
	"time"

	"github.com/linnemanlabs/commander/internal/alert"
)

// Store is the persistence interface for incidents. Implementations return
// copies and serialise mutations per incident id.
type Store interface {
	Create(ctx context.Context, al *alert.Alert) (*Incident, error)
	Get(ctx context.Context, id string) (*Incident, bool, error)
	ApplyStageResult(ctx context.Context, id string, res *StageResult) (*Incident, error)
	RecordFailure(ctx context.Context, id string, stage Stage, msg string) (*Incident, error)
	Resolve(ctx context.Context, id string, at time.Time) (*Incident, error)
	Close(ctx context.Context, id string, at time.Time) (*Incident, error)

	// ListActive returns open, analyzing and resolving incidents, oldest first.
	ListActive(ctx context.Context) ([]*Incident, error)

	// ListCompleted returns resolved and closed incidents, newest first.
	ListCompleted(ctx context.Context) ([]*Incident, error)

	Reset(ctx context.Context) error
}
