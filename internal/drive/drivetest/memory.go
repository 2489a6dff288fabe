// Package drivetest provides an in-memory drive.Client fake for tests. It
// honors the full-iteration contract: a folder's children-complete marker is
// set only when a ChildIterator is drained to exhaustion, and iterators
// abandoned early are counted so tests can assert the contract held.
package drivetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MiMillieuh/proton-drive-sync/internal/drive"
)

// RootUID is the fixed UID of the fake drive's root folder.
const RootUID = "root"

// Client is an in-memory implementation of drive.Client.
type Client struct {
	mu       sync.Mutex
	nodes    map[string]*drive.Node
	children map[string][]string // parent UID → ordered child UIDs
	contents map[string][]byte
	complete map[string]bool // folder UID → children-complete marker
	nextUID  int

	openIterators int

	// DecryptErrs maps node UIDs to injected decryption failures; matching
	// children are yielded as degraded entries.
	DecryptErrs map[string]error

	// UploadErr, CreateFolderErr, RenameErr and MoveErr fail the next
	// matching operation once when set.
	UploadErr       error
	CreateFolderErr error
	RenameErr       error
	MoveErr         error
}

// New returns a Client containing only the root folder.
func New() *Client {
	return &Client{
		nodes: map[string]*drive.Node{
			RootUID: {UID: RootUID, Name: "", Type: drive.NodeTypeFolder},
		},
		children: make(map[string][]string),
		contents: make(map[string][]byte),
		complete: make(map[string]bool),
	}
}

func (c *Client) newUID() string {
	c.nextUID++
	return fmt.Sprintf("node-%d", c.nextUID)
}

// GetRootFolder implements drive.Client.
func (c *Client) GetRootFolder(ctx context.Context) (drive.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return *c.nodes[RootUID], nil
}

// IterateFolderChildren implements drive.Client. The iterator snapshots the
// child list at creation.
func (c *Client) IterateFolderChildren(ctx context.Context, folderUID string) drive.ChildIterator {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[folderUID]; !ok {
		return &memIterator{err: fmt.Errorf("listing children of %s: %w", folderUID, drive.ErrNotFound)}
	}

	entries := make([]drive.ChildEntry, 0, len(c.children[folderUID]))

	for _, uid := range c.children[folderUID] {
		entries = append(entries, drive.ChildEntry{
			Node:       *c.nodes[uid],
			DecryptErr: c.DecryptErrs[uid],
		})
	}

	c.openIterators++

	return &memIterator{client: c, folderUID: folderUID, entries: entries}
}

type memIterator struct {
	client    *Client
	folderUID string
	entries   []drive.ChildEntry
	pos       int
	done      bool
	err       error
}

func (it *memIterator) Next(ctx context.Context) (drive.ChildEntry, bool) {
	if it.err != nil || it.done {
		return drive.ChildEntry{}, false
	}

	if it.pos >= len(it.entries) {
		it.done = true
		it.client.markComplete(it.folderUID)

		return drive.ChildEntry{}, false
	}

	entry := it.entries[it.pos]
	it.pos++

	return entry, true
}

func (it *memIterator) Err() error {
	return it.err
}

func (c *Client) markComplete(folderUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.complete[folderUID] = true
	c.openIterators--
}

// AbandonedIterators returns the number of child iterators that were created
// but never drained. Tests assert this is zero to verify the full-iteration
// contract.
func (c *Client) AbandonedIterators() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.openIterators
}

// ChildrenComplete reports whether the children-complete marker is set for a
// folder.
func (c *Client) ChildrenComplete(folderUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.complete[folderUID]
}

// CreateFolder implements drive.Client.
func (c *Client) CreateFolder(ctx context.Context, parentUID, name string, mtime time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.CreateFolderErr; err != nil {
		c.CreateFolderErr = nil
		return "", err
	}

	if _, ok := c.nodes[parentUID]; !ok {
		return "", fmt.Errorf("creating folder %s: %w", name, drive.ErrNotFound)
	}

	if c.findChild(parentUID, name) != "" {
		return "", fmt.Errorf("creating folder %s: %w", name, drive.ErrNameConflict)
	}

	uid := c.newUID()
	c.nodes[uid] = &drive.Node{
		UID: uid, ParentUID: parentUID, Name: name,
		Type: drive.NodeTypeFolder, ModifiedAt: mtime,
	}
	c.children[parentUID] = append(c.children[parentUID], uid)
	// New child invalidates the completeness marker.
	c.complete[parentUID] = false

	return uid, nil
}

func (c *Client) findChild(parentUID, name string) string {
	for _, uid := range c.children[parentUID] {
		if c.nodes[uid].Name == name {
			return uid
		}
	}

	return ""
}

// GetFileUploader implements drive.Client.
func (c *Client) GetFileUploader(
	ctx context.Context, parentUID, name string, meta drive.UploadMetadata,
	body io.Reader, progress drive.ProgressFunc,
) (drive.Uploader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[parentUID]; !ok {
		return nil, fmt.Errorf("uploading %s: %w", name, drive.ErrNotFound)
	}

	return &memUploader{
		client: c, parentUID: parentUID, name: name,
		meta: meta, body: body, progress: progress,
	}, nil
}

// GetFileRevisionUploader implements drive.Client.
func (c *Client) GetFileRevisionUploader(
	ctx context.Context, nodeUID string, meta drive.UploadMetadata,
	body io.Reader, progress drive.ProgressFunc,
) (drive.Uploader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	node, ok := c.nodes[nodeUID]
	if !ok {
		return nil, fmt.Errorf("uploading revision of %s: %w", nodeUID, drive.ErrNotFound)
	}

	return &memUploader{
		client: c, nodeUID: nodeUID, name: node.Name,
		meta: meta, body: body, progress: progress,
	}, nil
}

type memUploader struct {
	client    *Client
	parentUID string // new-file mode
	nodeUID   string // revision mode
	name      string
	meta      drive.UploadMetadata
	body      io.Reader
	progress  drive.ProgressFunc
	paused    bool
}

func (u *memUploader) Pause()  { u.paused = true }
func (u *memUploader) Resume() { u.paused = false }

func (u *memUploader) Completion(ctx context.Context) (string, error) {
	u.client.mu.Lock()
	injected := u.client.UploadErr
	u.client.UploadErr = nil
	u.client.mu.Unlock()

	if injected != nil {
		return "", fmt.Errorf("%w: %w", drive.ErrUploadFailed, injected)
	}

	var buf bytes.Buffer

	n, err := io.Copy(&buf, u.body)
	if err != nil {
		return "", fmt.Errorf("%w: reading body: %w", drive.ErrUploadFailed, err)
	}

	if u.progress != nil {
		u.progress(n)
	}

	u.client.mu.Lock()
	defer u.client.mu.Unlock()

	uid := u.nodeUID
	if uid == "" {
		uid = u.client.newUID()
		u.client.nodes[uid] = &drive.Node{
			UID: uid, ParentUID: u.parentUID, Name: u.name,
			Type: drive.NodeTypeFile,
		}
		u.client.children[u.parentUID] = append(u.client.children[u.parentUID], uid)
		u.client.complete[u.parentUID] = false
	}

	u.client.nodes[uid].Size = n
	u.client.nodes[uid].ModifiedAt = u.meta.ModifiedAt
	u.client.contents[uid] = buf.Bytes()

	return uid, nil
}

// TrashNodes implements drive.Client. The fake treats trash as delete.
func (c *Client) TrashNodes(ctx context.Context, uids []string) error {
	return c.DeleteNodes(ctx, uids)
}

// DeleteNodes implements drive.Client.
func (c *Client) DeleteNodes(ctx context.Context, uids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, uid := range uids {
		node, ok := c.nodes[uid]
		if !ok {
			return fmt.Errorf("deleting %s: %w", uid, drive.ErrNotFound)
		}

		c.removeChild(node.ParentUID, uid)
		c.deleteSubtree(uid)
	}

	return nil
}

func (c *Client) deleteSubtree(uid string) {
	for _, child := range c.children[uid] {
		c.deleteSubtree(child)
	}

	delete(c.children, uid)
	delete(c.nodes, uid)
	delete(c.contents, uid)
	delete(c.complete, uid)
}

func (c *Client) removeChild(parentUID, uid string) {
	kids := c.children[parentUID]
	for i, k := range kids {
		if k == uid {
			c.children[parentUID] = append(kids[:i:i], kids[i+1:]...)
			return
		}
	}
}

// MoveNodes implements drive.Client.
func (c *Client) MoveNodes(ctx context.Context, uids []string, newParentUID string) ([]drive.NodeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.MoveErr; err != nil {
		c.MoveErr = nil
		return nil, err
	}

	if _, ok := c.nodes[newParentUID]; !ok {
		return nil, fmt.Errorf("moving to %s: %w", newParentUID, drive.ErrNotFound)
	}

	results := make([]drive.NodeResult, 0, len(uids))

	for _, uid := range uids {
		node, ok := c.nodes[uid]
		if !ok {
			results = append(results, drive.NodeResult{UID: uid, Err: drive.ErrNotFound})
			continue
		}

		if c.findChild(newParentUID, node.Name) != "" {
			results = append(results, drive.NodeResult{UID: uid, Err: drive.ErrNameConflict})
			continue
		}

		c.removeChild(node.ParentUID, uid)
		node.ParentUID = newParentUID
		c.children[newParentUID] = append(c.children[newParentUID], uid)
		c.complete[newParentUID] = false
		results = append(results, drive.NodeResult{UID: uid})
	}

	return results, nil
}

// RenameNode implements drive.Client.
func (c *Client) RenameNode(ctx context.Context, uid, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.RenameErr; err != nil {
		c.RenameErr = nil
		return err
	}

	node, ok := c.nodes[uid]
	if !ok {
		return fmt.Errorf("renaming %s: %w", uid, drive.ErrNotFound)
	}

	if sibling := c.findChild(node.ParentUID, newName); sibling != "" && sibling != uid {
		return fmt.Errorf("renaming %s to %s: %w", uid, newName, drive.ErrNameConflict)
	}

	node.Name = newName

	return nil
}

// ---------------------------------------------------------------------------
// Seeding and inspection helpers
// ---------------------------------------------------------------------------

// MustAddFolder creates a folder, panicking on error. Test setup only.
func (c *Client) MustAddFolder(parentUID, name string) string {
	uid, err := c.CreateFolder(context.Background(), parentUID, name, time.Time{})
	if err != nil {
		panic(err)
	}

	return uid
}

// MustAddFile creates a file with the given content, panicking on error.
// Test setup only.
func (c *Client) MustAddFile(parentUID, name string, content []byte) string {
	up, err := c.GetFileUploader(context.Background(), parentUID, name,
		drive.UploadMetadata{ExpectedSize: int64(len(content))},
		bytes.NewReader(content), nil)
	if err != nil {
		panic(err)
	}

	uid, err := up.Completion(context.Background())
	if err != nil {
		panic(err)
	}

	return uid
}

// NodeByPath resolves a slash-delimited path from the root and returns the
// node, or false when any component is missing.
func (c *Client) NodeByPath(path string) (drive.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	uid := RootUID

	for _, component := range strings.Split(strings.Trim(path, "/"), "/") {
		if component == "" {
			continue
		}

		uid = c.findChild(uid, component)
		if uid == "" {
			return drive.Node{}, false
		}
	}

	return *c.nodes[uid], true
}

// Content returns the stored content of a file node.
func (c *Client) Content(uid string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.contents[uid]
}

// Paths returns every path in the fake tree, sorted, for end-state
// assertions.
func (c *Client) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var paths []string

	var walk func(uid, prefix string)
	walk = func(uid, prefix string) {
		for _, child := range c.children[uid] {
			p := prefix + "/" + c.nodes[child].Name
			paths = append(paths, p)
			walk(child, p)
		}
	}
	walk(RootUID, "")

	sort.Strings(paths)

	return paths
}
