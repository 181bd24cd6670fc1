// Package actor provides a universal pattern for identifying and tracking
// the user/system performing actions across the service.
//
// This package is used for:
// - The transaction ledger (who performed a deduction or adjustment)
// - Alert acknowledgement attribution
// - Vial open/close attribution
package actor

import (
	"context"
	"fmt"

	"github.com/vialpoint/vialpoint-backend/pkg/httputil"
)

// Actor represents the entity performing an action in the system.
type Actor struct {
	// ID is the unique identifier of the actor (user ID)
	ID string `json:"id"`

	// Name is the actor's display name
	Name string `json:"name"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.ID)
}

// contextKey is the type for context keys to avoid collisions
type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present (e.g., system operations).
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// FromRequest builds an Actor from the identity headers attached by the
// httputil.Identity middleware. Falls back to SystemActor when the request
// carries no identity.
func FromRequest(ctx context.Context) *Actor {
	if a := FromContext(ctx); a != nil {
		return a
	}
	userID := httputil.GetUserID(ctx)
	if userID == "" {
		return SystemActor()
	}
	name := httputil.GetUserName(ctx)
	if name == "" {
		name = userID
	}
	return &Actor{ID: userID, Name: name}
}

// SystemActor returns an Actor representing the system itself.
// Use this for background jobs, event consumers, and system-initiated operations.
func SystemActor() *Actor {
	return &Actor{
		ID:   "00000000-0000-0000-0000-000000000000",
		Name: "System",
	}
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	if a == nil {
		return true
	}
	return a.ID == "00000000-0000-0000-0000-000000000000"
}
