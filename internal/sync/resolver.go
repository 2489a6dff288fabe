package sync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MiMillieuh/proton-drive-sync/internal/drive"
)

// myFilesPrefix is the optional logical prefix stripped from remote paths.
const myFilesPrefix = "my_files/"

// Resolver translates slash-delimited logical paths into folder node UIDs in
// the remote tree.
//
// Every child enumeration is drained to exhaustion even after a match: the
// drive client marks its children-complete cache only when an iterator is
// fully consumed, and an early exit would defeat caching for every
// subsequent call.
type Resolver struct {
	client drive.Client
	logger *slog.Logger
}

// NewResolver creates a Resolver over the drive client.
func NewResolver(client drive.Client, logger *slog.Logger) *Resolver {
	return &Resolver{client: client, logger: logger}
}

// EnsurePath walks the path components from the root, creating missing
// folders, and returns the deepest folder's UID. After the first component
// is created, the walk switches to create-only: anything deeper cannot exist
// yet, so searching is skipped.
func (r *Resolver) EnsurePath(ctx context.Context, remotePath string) (string, error) {
	parentUID, err := r.rootUID(ctx)
	if err != nil {
		return "", err
	}

	createOnly := false

	for _, component := range splitComponents(remotePath) {
		if !createOnly {
			uid, err := r.FindFolderByName(ctx, parentUID, component)
			if err != nil {
				return "", err
			}

			if uid != "" {
				parentUID = uid
				continue
			}

			createOnly = true
		}

		uid, err := r.client.CreateFolder(ctx, parentUID, component, time.Time{})
		if err != nil {
			return "", fmt.Errorf("sync: creating folder %s: %w", component, err)
		}

		parentUID = uid
	}

	return parentUID, nil
}

// ResolvePath walks the path components from the root and returns the
// deepest folder's UID, or drive.ErrNotFound when any component is missing.
func (r *Resolver) ResolvePath(ctx context.Context, remotePath string) (string, error) {
	parentUID, err := r.rootUID(ctx)
	if err != nil {
		return "", err
	}

	for _, component := range splitComponents(remotePath) {
		uid, err := r.FindFolderByName(ctx, parentUID, component)
		if err != nil {
			return "", err
		}

		if uid == "" {
			return "", fmt.Errorf("sync: resolving %s: folder %s: %w", remotePath, component, drive.ErrNotFound)
		}

		parentUID = uid
	}

	return parentUID, nil
}

// FindFolderByName returns the UID of the named folder under parentUID, or
// "" when absent.
func (r *Resolver) FindFolderByName(ctx context.Context, parentUID, name string) (string, error) {
	return r.findChildByName(ctx, parentUID, name, drive.NodeTypeFolder)
}

// FindFileByName returns the UID of the named file under parentUID, or ""
// when absent.
func (r *Resolver) FindFileByName(ctx context.Context, parentUID, name string) (string, error) {
	return r.findChildByName(ctx, parentUID, name, drive.NodeTypeFile)
}

// FindChildByName returns the UID of the named child of either type, or ""
// when absent.
func (r *Resolver) FindChildByName(ctx context.Context, parentUID, name string) (string, error) {
	return r.findChildByName(ctx, parentUID, name, "")
}

// findChildByName iterates the parent's children looking for name. The
// iterator is always consumed to exhaustion, even after a match. Entries
// that failed to decrypt are logged and skipped; the listing continues.
func (r *Resolver) findChildByName(ctx context.Context, parentUID, name string, nodeType drive.NodeType) (string, error) {
	it := r.client.IterateFolderChildren(ctx, parentUID)

	var found string

	for {
		entry, ok := it.Next(ctx)
		if !ok {
			break
		}

		if entry.DecryptErr != nil {
			r.logger.Warn("degraded child entry",
				slog.String("parent", parentUID),
				slog.String("uid", entry.Node.UID),
				slog.String("error", entry.DecryptErr.Error()),
			)

			continue
		}

		if found != "" {
			// Keep draining for the cache contract.
			continue
		}

		if entry.Node.Name != name {
			continue
		}

		if nodeType != "" && entry.Node.Type != nodeType {
			continue
		}

		found = entry.Node.UID
	}

	if err := it.Err(); err != nil {
		return "", fmt.Errorf("sync: listing children of %s: %w", parentUID, err)
	}

	return found, nil
}

func (r *Resolver) rootUID(ctx context.Context) (string, error) {
	root, err := r.client.GetRootFolder(ctx)
	if err != nil {
		return "", fmt.Errorf("sync: fetching root folder: %w", err)
	}

	return root.UID, nil
}

// splitComponents strips the optional my_files/ prefix and splits the path
// into non-empty components.
func splitComponents(remotePath string) []string {
	trimmed := strings.Trim(remotePath, "/")
	trimmed = strings.TrimPrefix(trimmed, myFilesPrefix)

	if trimmed == "" {
		return nil
	}

	var components []string

	for _, c := range strings.Split(trimmed, "/") {
		if c != "" {
			components = append(components, c)
		}
	}

	return components
}
