// Package storage provides the durable backing stores for the user
// directory and the bounded message table. Two SQL stores share one
// repository implementation (sqlite matches the original deployment,
// postgres the larger one); an in-memory store backs tests.
package storage

import (
	"context"

	"github.com/gatechat/gatechat/internal/chatlog"
	"github.com/gatechat/gatechat/internal/user"
)

// Store bundles the repositories over one backing database.
type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	Users() user.Repository
	Messages() chatlog.Repository
}
