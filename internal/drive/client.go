package drive

import (
	"context"
	"io"
	"time"
)

// NodeType distinguishes files from folders in the remote tree.
type NodeType string

// Node types.
const (
	NodeTypeFile   NodeType = "file"
	NodeTypeFolder NodeType = "folder"
)

// Node is a decrypted entry in the remote tree.
type Node struct {
	UID        string
	ParentUID  string
	Name       string
	Type       NodeType
	Size       int64
	ModifiedAt time.Time
}

// ChildEntry is one element of a folder-children stream. DecryptErr is set
// when the entry could not be decrypted; Node then carries whatever metadata
// survived, and the enclosing iteration continues.
type ChildEntry struct {
	Node       Node
	DecryptErr error
}

// ChildIterator is a lazy, finite, non-restartable stream of a folder's
// children.
//
// Contract: consumers must drain the iterator to exhaustion even after
// finding the entry they were looking for. The client marks its internal
// children-complete cache only on exhaustion; an early exit defeats caching
// for every subsequent listing of the same folder.
type ChildIterator interface {
	// Next returns the next entry. ok is false once the stream is exhausted
	// or a terminal error occurred; check Err afterwards.
	Next(ctx context.Context) (entry ChildEntry, ok bool)
	// Err returns the terminal stream error, if any.
	Err() error
}

// UploadMetadata describes the file being uploaded.
type UploadMetadata struct {
	MediaType    string
	ExpectedSize int64
	ModifiedAt   time.Time
}

// ProgressFunc receives the cumulative uploaded byte count during streaming.
type ProgressFunc func(uploadedBytes int64)

// Uploader controls an in-flight streamed upload.
type Uploader interface {
	// Pause suspends the byte stream; Resume continues it.
	Pause()
	Resume()
	// Completion blocks until the upload finishes and returns the final node
	// UID. Network, quota, and crypto failures surface as ErrUploadFailed
	// (wrapping the cause).
	Completion(ctx context.Context) (string, error)
}

// NodeResult is the per-node outcome of a batch operation.
type NodeResult struct {
	UID string
	Err error
}

// Client is the drive capability consumed by the sync engine. Each process
// constructs its own instance; it is never shared across processes.
type Client interface {
	// GetRootFolder returns the root folder node of the drive.
	GetRootFolder(ctx context.Context) (Node, error)

	// IterateFolderChildren streams the children of a folder. See the
	// ChildIterator contract on full iteration.
	IterateFolderChildren(ctx context.Context, folderUID string) ChildIterator

	// CreateFolder creates a folder under parentUID and returns its UID.
	// A zero mtime means "now". Duplicate names fail with ErrNameConflict.
	CreateFolder(ctx context.Context, parentUID, name string, mtime time.Time) (string, error)

	// GetFileUploader starts a streamed upload of a new file node.
	GetFileUploader(ctx context.Context, parentUID, name string, meta UploadMetadata, body io.Reader, progress ProgressFunc) (Uploader, error)

	// GetFileRevisionUploader starts a streamed upload of a new revision of
	// an existing file node.
	GetFileRevisionUploader(ctx context.Context, nodeUID string, meta UploadMetadata, body io.Reader, progress ProgressFunc) (Uploader, error)

	// TrashNodes moves nodes to the trash (reversible).
	TrashNodes(ctx context.Context, uids []string) error

	// DeleteNodes permanently deletes nodes.
	DeleteNodes(ctx context.Context, uids []string) error

	// MoveNodes reparents nodes under newParentUID, reporting per-node
	// outcomes.
	MoveNodes(ctx context.Context, uids []string, newParentUID string) ([]NodeResult, error)

	// RenameNode renames a node in place. Duplicate names fail with
	// ErrNameConflict.
	RenameNode(ctx context.Context, uid, newName string) error
}
