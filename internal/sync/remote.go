package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/MiMillieuh/proton-drive-sync/internal/drive"
)

// defaultMediaType is used when the extension maps to nothing.
const defaultMediaType = "application/octet-stream"

// Remote performs the drive-side mutations for sync jobs, reconciling the
// remote tree to match local intent. Every operation is idempotent with
// respect to re-execution after a crash.
type Remote struct {
	client   drive.Client
	resolver *Resolver
	logger   *slog.Logger
}

// NewRemote creates a Remote over the drive client.
func NewRemote(client drive.Client, resolver *Resolver, logger *slog.Logger) *Remote {
	return &Remote{client: client, resolver: resolver, logger: logger}
}

// CreateFolderPath ensures the full remote folder path exists. Folders that
// already exist are treated as success without a create call.
func (r *Remote) CreateFolderPath(ctx context.Context, remotePath string) error {
	if _, err := r.resolver.EnsurePath(ctx, remotePath); err != nil {
		return err
	}

	return nil
}

// UploadFile streams the local file to the remote path, as a new revision
// when a file of that name already exists, or as a new node otherwise.
func (r *Remote) UploadFile(ctx context.Context, localPath, remotePath string) error {
	parent, name := splitRemotePath(remotePath)

	parentUID, err := r.resolver.EnsurePath(ctx, parent)
	if err != nil {
		return err
	}

	existingUID, err := r.resolver.FindFileByName(ctx, parentUID, name)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		// The file may legitimately be gone by execution time; a DELETE job
		// follows via supersedure. Everything else is a local I/O failure.
		if errors.Is(err, os.ErrNotExist) {
			r.logger.Info("local file vanished before upload, skipping",
				slog.String("local_path", localPath))
			return nil
		}

		return fmt.Errorf("sync: opening %s: %w: %w", localPath, drive.ErrLocalIO, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("sync: stat %s: %w: %w", localPath, drive.ErrLocalIO, err)
	}

	meta := drive.UploadMetadata{
		MediaType:    mediaTypeFor(name),
		ExpectedSize: info.Size(),
		ModifiedAt:   info.ModTime(),
	}

	progress := func(uploadedBytes int64) {
		r.logger.Debug("upload progress",
			slog.String("remote_path", remotePath),
			slog.Int64("uploaded_bytes", uploadedBytes),
		)
	}

	var uploader drive.Uploader

	if existingUID != "" {
		uploader, err = r.client.GetFileRevisionUploader(ctx, existingUID, meta, f, progress)
	} else {
		uploader, err = r.client.GetFileUploader(ctx, parentUID, name, meta, f, progress)
	}

	if err != nil {
		return fmt.Errorf("sync: starting upload of %s: %w", remotePath, err)
	}

	uid, err := uploader.Completion(ctx)
	if err != nil {
		return fmt.Errorf("sync: uploading %s: %w", remotePath, err)
	}

	r.logger.Info("uploaded file",
		slog.String("remote_path", remotePath),
		slog.String("uid", uid),
		slog.Int64("size", info.Size()),
		slog.Bool("revision", existingUID != ""),
	)

	return nil
}

// Delete trashes the node at the remote path. A missing parent or node is
// success: the intent — the node not existing — already holds. The returned
// bool reports whether a node actually existed.
func (r *Remote) Delete(ctx context.Context, remotePath string) (bool, error) {
	parent, name := splitRemotePath(remotePath)

	parentUID, err := r.resolver.ResolvePath(ctx, parent)
	if err != nil {
		if errors.Is(err, drive.ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	uid, err := r.resolver.FindChildByName(ctx, parentUID, name)
	if err != nil {
		return false, err
	}

	if uid == "" {
		return false, nil
	}

	if err := r.client.TrashNodes(ctx, []string{uid}); err != nil {
		// The node vanished between lookup and trash; same end state.
		if errors.Is(err, drive.ErrNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("sync: trashing %s: %w", remotePath, err)
	}

	r.logger.Info("trashed node",
		slog.String("remote_path", remotePath),
		slog.String("uid", uid),
	)

	return true, nil
}

// Move relocates the node at oldRemotePath to newRemotePath, renaming when
// the base name changed. The destination's parent chain is ensured; a rename
// within the same folder skips the move call.
func (r *Remote) Move(ctx context.Context, oldRemotePath, newRemotePath string) error {
	oldParent, oldName := splitRemotePath(oldRemotePath)
	newParent, newName := splitRemotePath(newRemotePath)

	oldParentUID, err := r.resolver.ResolvePath(ctx, oldParent)
	if err != nil {
		return err
	}

	uid, err := r.resolver.FindChildByName(ctx, oldParentUID, oldName)
	if err != nil {
		return err
	}

	if uid == "" {
		// Source gone but destination present: the move already took effect
		// (re-execution after a crash).
		if newParentUID, err := r.resolver.ResolvePath(ctx, newParent); err == nil {
			if dst, err := r.resolver.FindChildByName(ctx, newParentUID, newName); err == nil && dst != "" {
				return nil
			}
		}

		return fmt.Errorf("sync: moving %s: source: %w", oldRemotePath, drive.ErrNotFound)
	}

	if oldParent != newParent {
		newParentUID, err := r.resolver.EnsurePath(ctx, newParent)
		if err != nil {
			return err
		}

		results, err := r.client.MoveNodes(ctx, []string{uid}, newParentUID)
		if err != nil {
			return fmt.Errorf("sync: moving %s: %w", oldRemotePath, err)
		}

		for _, res := range results {
			if res.Err != nil {
				return fmt.Errorf("sync: moving %s (node %s): %w", oldRemotePath, res.UID, res.Err)
			}
		}
	}

	if oldName != newName {
		if err := r.client.RenameNode(ctx, uid, newName); err != nil {
			return fmt.Errorf("sync: renaming %s to %s: %w", oldRemotePath, newName, err)
		}
	}

	r.logger.Info("moved node",
		slog.String("from", oldRemotePath),
		slog.String("to", newRemotePath),
	)

	return nil
}

// mediaTypeFor guesses the media type from the file extension.
func mediaTypeFor(name string) string {
	if mt := mime.TypeByExtension(filepath.Ext(name)); mt != "" {
		return mt
	}

	return defaultMediaType
}
