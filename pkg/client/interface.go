package client

import (
	"context"
	"io"
)

// RemoteClient is a stateful remote file store session. Calls are issued
// sequentially; implementations need not be safe for concurrent use.
type RemoteClient interface {
	// DirectoryExists reports whether an absolute remote directory exists.
	// A false result with a nil error means the directory is definitely absent.
	DirectoryExists(ctx context.Context, dir string) (bool, error)
	MakeDir(ctx context.Context, dir string) error
	ChangeDir(ctx context.Context, dir string) error
	Store(ctx context.Context, remotePath string, r io.Reader) error
	Close() error
}
