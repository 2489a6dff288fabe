// Package sync contains the engine that turns settled filesystem batches
// into durable sync jobs and executes them against the drive: normalizer,
// debouncer, path resolver, remote operations, executor loop and control
// plane.
package sync

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/MiMillieuh/proton-drive-sync/internal/store"
	"github.com/MiMillieuh/proton-drive-sync/internal/watchman"
)

// FileChange is a normalized filesystem change record.
type FileChange struct {
	RelativePath string
	Size         int64
	MtimeMS      int64
	Exists       bool
	IsDir        bool
	IsNew        bool
	Inode        uint64
	ContentHash  string
	WatchRoot    string
}

// Normalizer maps raw watchman batches to canonical job specs. The remote
// path for a change is remoteRoot/base(watchRoot)/relativePath.
type Normalizer struct {
	remoteRoot string
}

// NewNormalizer creates a Normalizer. remoteRoot may be empty.
func NewNormalizer(remoteRoot string) *Normalizer {
	return &Normalizer{remoteRoot: remoteRoot}
}

// NormalizeBatch converts a batch into job specs. Within a batch, a removed
// record paired with an added record carrying the same inode becomes a
// single MOVE; unpaired halves remain a DELETE and a CREATE/UPDATE.
func (n *Normalizer) NormalizeBatch(batch watchman.Batch) []store.JobSpec {
	changes := make([]FileChange, 0, len(batch.Files))

	for _, f := range batch.Files {
		// The settle config this daemon writes is infrastructure, not user
		// data.
		if path.Base(f.Name) == ".watchmanconfig" {
			continue
		}

		changes = append(changes, FileChange{
			RelativePath: nfcNormalize(filepath.ToSlash(f.Name)),
			Size:         f.Size,
			MtimeMS:      f.MtimeMS,
			Exists:       f.Exists,
			IsDir:        f.IsDir(),
			IsNew:        f.New,
			Inode:        f.Ino,
			ContentHash:  f.SHA1Hex(),
			WatchRoot:    batch.WatchRoot,
		})
	}

	moves, rest := pairMoves(changes)

	specs := make([]store.JobSpec, 0, len(moves)+len(rest))

	for _, m := range moves {
		specs = append(specs, store.JobSpec{
			EventType:     store.EventMove,
			LocalPath:     filepath.Join(m.to.WatchRoot, filepath.FromSlash(m.to.RelativePath)),
			RemotePath:    n.remotePath(m.to),
			OldRemotePath: n.remotePath(m.from),
		})
	}

	for _, c := range rest {
		specs = append(specs, store.JobSpec{
			EventType:  deriveEventType(c),
			LocalPath:  filepath.Join(c.WatchRoot, filepath.FromSlash(c.RelativePath)),
			RemotePath: n.remotePath(c),
		})
	}

	return specs
}

// deriveEventType maps a change to its canonical event type. All file
// mutations normalize to UPDATE; the upload path decides new-node versus
// new-revision by name lookup.
func deriveEventType(c FileChange) string {
	switch {
	case !c.Exists:
		return store.EventDelete
	case c.IsDir:
		return store.EventCreate
	default:
		return store.EventUpdate
	}
}

// movePair couples the removed and added halves of a detected rename.
type movePair struct {
	from FileChange
	to   FileChange
}

// pairMoves detects renames within a batch: a removed entry and an added
// entry with the same nonzero inode. Directories pair as well as files.
func pairMoves(changes []FileChange) ([]movePair, []FileChange) {
	removedByInode := make(map[uint64]int)

	for i, c := range changes {
		if !c.Exists && c.Inode != 0 {
			removedByInode[c.Inode] = i
		}
	}

	var (
		moves  []movePair
		paired = make(map[int]bool)
	)

	for i, c := range changes {
		if !c.Exists || !c.IsNew || c.Inode == 0 {
			continue
		}

		j, ok := removedByInode[c.Inode]
		if !ok || paired[j] || changes[j].RelativePath == c.RelativePath {
			continue
		}

		moves = append(moves, movePair{from: changes[j], to: c})
		paired[j] = true
		paired[i] = true
	}

	rest := make([]FileChange, 0, len(changes)-2*len(moves))

	for i, c := range changes {
		if !paired[i] {
			rest = append(rest, c)
		}
	}

	return moves, rest
}

// remotePath computes the slash-delimited remote path for a change:
// remoteRoot/base(watchRoot)/relativePath, with no double slashes and an
// empty remoteRoot allowed.
func (n *Normalizer) remotePath(c FileChange) string {
	return path.Join(n.remoteRoot, filepath.Base(c.WatchRoot), c.RelativePath)
}

// nfcNormalize applies Unicode NFC normalization so local paths and remote
// names compare consistently across platforms.
func nfcNormalize(s string) string {
	return norm.NFC.String(s)
}

// splitRemotePath splits a remote path into its parent and base name.
func splitRemotePath(remotePath string) (parent, name string) {
	cleaned := strings.Trim(path.Clean(remotePath), "/")

	dir, base := path.Split(cleaned)

	return strings.Trim(dir, "/"), base
}
