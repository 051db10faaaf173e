// Package publish ships proofs to immutable external stores.
//
// The primary store is a public GitHub Gist. An optional S3 mirror keeps a second
// write-once copy; its failures never change the primary outcome.
package publish

import (
	"context"

	"github.com/RegistryAccord/registryaccord-fitproof-go/internal/model"
)

// Publisher publishes one proof and returns where it landed.
type Publisher interface {
	Publish(ctx context.Context, p model.Proof) (model.PublishResult, error)
}

// Mirror stores an additional immutable copy of a proof.
type Mirror interface {
	Put(ctx context.Context, p model.Proof) (string, error)
}
