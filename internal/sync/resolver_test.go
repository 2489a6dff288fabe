package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/MiMillieuh/proton-drive-sync/internal/drive"
	"github.com/MiMillieuh/proton-drive-sync/internal/drive/drivetest"
)

func TestResolver_EnsurePathCreatesMissingFolders(t *testing.T) {
	t.Parallel()

	client := drivetest.New()
	resolver := NewResolver(client, testLogger())
	ctx := context.Background()

	uid, err := resolver.EnsurePath(ctx, "sync/docs/projects")
	if err != nil {
		t.Fatalf("EnsurePath: %v", err)
	}

	node, ok := client.NodeByPath("sync/docs/projects")
	if !ok || node.UID != uid {
		t.Fatalf("tree missing sync/docs/projects (uid %s)", uid)
	}

	// Idempotent: a second walk finds the same folders.
	again, err := resolver.EnsurePath(ctx, "sync/docs/projects")
	if err != nil {
		t.Fatalf("EnsurePath again: %v", err)
	}

	if again != uid {
		t.Errorf("second EnsurePath returned %s, want %s (no duplicates)", again, uid)
	}

	if got := len(client.Paths()); got != 3 {
		t.Errorf("tree has %d nodes, want 3: %v", got, client.Paths())
	}
}

func TestResolver_EnsurePathStripsMyFilesPrefix(t *testing.T) {
	t.Parallel()

	client := drivetest.New()
	resolver := NewResolver(client, testLogger())

	if _, err := resolver.EnsurePath(context.Background(), "my_files/sync/docs"); err != nil {
		t.Fatalf("EnsurePath: %v", err)
	}

	if _, ok := client.NodeByPath("sync/docs"); !ok {
		t.Fatal("my_files/ prefix was not stripped")
	}

	if _, ok := client.NodeByPath("my_files"); ok {
		t.Fatal("a literal my_files folder was created")
	}
}

func TestResolver_ResolvePathMissingComponent(t *testing.T) {
	t.Parallel()

	client := drivetest.New()
	client.MustAddFolder(drivetest.RootUID, "sync")

	resolver := NewResolver(client, testLogger())

	_, err := resolver.ResolvePath(context.Background(), "sync/docs")
	if !errors.Is(err, drive.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	// Resolve never creates.
	if _, ok := client.NodeByPath("sync/docs"); ok {
		t.Fatal("ResolvePath created a folder")
	}
}

func TestResolver_FullIterationContract(t *testing.T) {
	t.Parallel()

	client := drivetest.New()
	syncUID := client.MustAddFolder(drivetest.RootUID, "sync")
	// The match is first; draining must continue past it.
	client.MustAddFolder(syncUID, "docs")
	client.MustAddFolder(syncUID, "music")
	client.MustAddFile(syncUID, "readme.txt", []byte("hi"))

	resolver := NewResolver(client, testLogger())
	ctx := context.Background()

	uid, err := resolver.FindFolderByName(ctx, syncUID, "docs")
	if err != nil {
		t.Fatalf("FindFolderByName: %v", err)
	}

	if uid == "" {
		t.Fatal("docs not found")
	}

	if n := client.AbandonedIterators(); n != 0 {
		t.Fatalf("%d iterators abandoned before exhaustion", n)
	}

	if !client.ChildrenComplete(syncUID) {
		t.Fatal("children-complete marker not set: iterator was not drained")
	}
}

func TestResolver_FindFileIgnoresFolders(t *testing.T) {
	t.Parallel()

	client := drivetest.New()
	client.MustAddFolder(drivetest.RootUID, "notes")
	fileUID := client.MustAddFile(drivetest.RootUID, "notes.txt", []byte("x"))

	resolver := NewResolver(client, testLogger())
	ctx := context.Background()

	uid, err := resolver.FindFileByName(ctx, drivetest.RootUID, "notes")
	if err != nil {
		t.Fatalf("FindFileByName: %v", err)
	}

	if uid != "" {
		t.Errorf("found folder %s when looking for a file", uid)
	}

	uid, err = resolver.FindFileByName(ctx, drivetest.RootUID, "notes.txt")
	if err != nil {
		t.Fatalf("FindFileByName: %v", err)
	}

	if uid != fileUID {
		t.Errorf("got %s, want %s", uid, fileUID)
	}
}

func TestResolver_DegradedEntriesAreSkipped(t *testing.T) {
	t.Parallel()

	client := drivetest.New()
	badUID := client.MustAddFolder(drivetest.RootUID, "corrupted")
	goodUID := client.MustAddFolder(drivetest.RootUID, "fine")
	client.DecryptErrs = map[string]error{badUID: drive.ErrDecryptionFailure}

	resolver := NewResolver(client, testLogger())

	uid, err := resolver.FindFolderByName(context.Background(), drivetest.RootUID, "fine")
	if err != nil {
		t.Fatalf("FindFolderByName: %v", err)
	}

	if uid != goodUID {
		t.Errorf("got %s, want %s despite a degraded sibling", uid, goodUID)
	}

	if n := client.AbandonedIterators(); n != 0 {
		t.Fatalf("%d iterators abandoned", n)
	}
}
