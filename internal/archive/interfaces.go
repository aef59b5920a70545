package archive

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/archivebot/internal/session"
)

// SessionSource hands out the shared HTTP session.
type SessionSource interface {
	Acquire() *session.Session
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request IDs for progress events.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// Archiver is what the event coordinator and ops server depend on.
type Archiver interface {
	Archive(ctx context.Context, target string) Result
}

// Trigger records what caused an archive request.
type Trigger string

// Known triggers.
const (
	TriggerCommand Trigger = "command"
	TriggerAuto    Trigger = "auto"
	TriggerAPI     Trigger = "api"
	TriggerCLI     Trigger = "cli"
)

type triggerKey struct{}

// WithTrigger annotates ctx with the request trigger.
func WithTrigger(ctx context.Context, t Trigger) context.Context {
	return context.WithValue(ctx, triggerKey{}, t)
}

// TriggerFrom returns the trigger stored by WithTrigger, or "".
func TriggerFrom(ctx context.Context) Trigger {
	t, _ := ctx.Value(triggerKey{}).(Trigger)
	return t
}
