package drive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// The concrete Proton client (wire protocol, end-to-end crypto, keyring
// auth) lives outside the sync core and installs itself here, the same way
// database/sql drivers register. The core only ever sees the Client
// capability.

// ErrNoProvider is returned by Dial when no concrete client is registered.
var ErrNoProvider = errors.New("drive: no client provider registered")

var (
	providerMu sync.Mutex
	provider   func(ctx context.Context, logger *slog.Logger) (Client, error)
)

// Register installs the concrete drive client constructor. Last writer wins;
// called from the provider package's init.
func Register(fn func(ctx context.Context, logger *slog.Logger) (Client, error)) {
	providerMu.Lock()
	defer providerMu.Unlock()

	provider = fn
}

// Dial constructs the drive client through the registered provider.
func Dial(ctx context.Context, logger *slog.Logger) (Client, error) {
	providerMu.Lock()
	fn := provider
	providerMu.Unlock()

	if fn == nil {
		return nil, ErrNoProvider
	}

	return fn(ctx, logger)
}
