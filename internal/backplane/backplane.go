// Package backplane fans broadcasts out across horizontally scaled
// gateway instances. Room registries are deliberately per-process; when
// more than one instance runs, every local broadcast is also published
// here so the other instances can deliver it to their own room members.
package backplane

import "context"

// Envelope carries one already-encoded Socket.IO event frame. Origin lets
// an instance skip envelopes it published itself.
type Envelope struct {
	Origin     string `json:"origin"`
	ProposalID string `json:"proposalId"`
	Frame      string `json:"frame"`
}

type Backplane interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe delivers every published envelope, including this
	// instance's own, to fn on a background goroutine until ctx ends.
	Subscribe(ctx context.Context, fn func(Envelope)) error
	Close() error
}

// Noop is the single-instance backplane: publishes vanish, nothing is
// delivered.
type Noop struct{}

func (Noop) Publish(context.Context, Envelope) error         { return nil }
func (Noop) Subscribe(context.Context, func(Envelope)) error { return nil }
func (Noop) Close() error                                    { return nil }
