// Package checkpoint persists per-feed sequence checkpoints so a restarted
// feed client can resume from one past its last confirmed sequence instead
// of replaying a whole session. Stores are optional: the client treats
// every save as best effort and never fails the session on a store error.
package checkpoint

import "context"

// Store persists the last confirmed sequence number per feed. Implementations
// must be safe for concurrent use; one store typically serves many sessions.
type Store interface {
	// Save records sequence as the last confirmed sequence for feed.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - feed: The feed identity the checkpoint belongs to
	//   - sequence: The last confirmed sequence number
	//
	// Returns:
	//   - An error if the checkpoint could not be persisted
	Save(ctx context.Context, feed string, sequence uint64) error

	// Load returns the last saved sequence for feed.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - feed: The feed identity to look up
	//
	// Returns:
	//   - The saved sequence, whether a checkpoint existed, and an error if
	//     the lookup itself failed
	Load(ctx context.Context, feed string) (uint64, bool, error)

	// Clear removes the checkpoint for feed. Clearing a feed with no
	// checkpoint is a no-op.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - feed: The feed identity to clear
	//
	// Returns:
	//   - An error if the removal failed
	Clear(ctx context.Context, feed string) error
}
