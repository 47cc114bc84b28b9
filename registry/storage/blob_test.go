package storage

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/quayside/registry"
	"github.com/quayside/registry/registry/storage/driver/inmemory"
)

func testRepository(t *testing.T, ctx context.Context, name string, options ...RegistryOption) registry.Repository {
	driver := inmemory.New()
	reg, err := NewRegistry(ctx, driver, options...)
	if err != nil {
		t.Fatalf("error creating registry: %v", err)
	}

	repo, err := reg.Repository(ctx, name)
	if err != nil {
		t.Fatalf("error getting repo: %v", err)
	}

	return repo
}

// TestSimpleBlobUpload covers the blob upload process, exercising common
// error paths that might be seen during an upload.
func TestSimpleBlobUpload(t *testing.T) {
	ctx := context.Background()
	repo := testRepository(t, ctx, "foo/bar", EnableBlobDeletion)
	bs := repo.Blobs(ctx)

	contents := []byte("hello, registry")
	dgst := digest.FromBytes(contents)

	// Cancel an upload, ensure the session disappears.
	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected error starting upload: %v", err)
	}

	cancelID := wr.ID()
	if err := wr.Cancel(ctx); err != nil {
		t.Fatalf("unexpected error cancelling upload: %v", err)
	}

	if _, err := bs.Resume(ctx, cancelID); err != registry.ErrBlobUploadUnknown {
		t.Fatalf("expected ErrBlobUploadUnknown resuming cancelled session, got %v", err)
	}

	// Do a real upload.
	wr, err = bs.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected error starting upload: %v", err)
	}

	if _, err := io.Copy(wr, bytes.NewReader(contents)); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}

	if wr.Size() != int64(len(contents)) {
		t.Fatalf("unexpected writer size: %d", wr.Size())
	}

	desc, err := wr.Commit(ctx, registry.Descriptor{Digest: dgst})
	if err != nil {
		t.Fatalf("unexpected error committing: %v", err)
	}

	if desc.Digest != dgst {
		t.Fatalf("unexpected canonical digest: %v != %v", desc.Digest, dgst)
	}

	if desc.Size != int64(len(contents)) {
		t.Fatalf("unexpected canonical size: %d", desc.Size)
	}

	// The blob is now present in the repository.
	statDesc, err := bs.Stat(ctx, dgst)
	if err != nil {
		t.Fatalf("unexpected error statting blob: %v", err)
	}

	if statDesc.Size != desc.Size || statDesc.Digest != desc.Digest {
		t.Fatalf("unexpected descriptor: %#v != %#v", statDesc, desc)
	}

	readContents, err := bs.Get(ctx, dgst)
	if err != nil {
		t.Fatalf("unexpected error getting blob: %v", err)
	}

	if !bytes.Equal(readContents, contents) {
		t.Fatal("read contents do not match uploaded contents")
	}

	// Open and read through the seekable reader.
	rsc, err := bs.Open(ctx, dgst)
	if err != nil {
		t.Fatalf("unexpected error opening blob: %v", err)
	}

	through, err := io.ReadAll(rsc)
	if err != nil {
		t.Fatalf("unexpected error reading blob: %v", err)
	}
	rsc.Close()

	if !bytes.Equal(through, contents) {
		t.Fatal("streamed contents do not match uploaded contents")
	}

	// Committing the same session again must fail: the session is gone.
	if _, err := wr.Commit(ctx, registry.Descriptor{Digest: dgst}); err != registry.ErrBlobUploadUnknown {
		t.Fatalf("expected ErrBlobUploadUnknown on second commit, got %v", err)
	}

	// Delete the blob, then verify it is gone from the repository.
	if err := bs.Delete(ctx, dgst); err != nil {
		t.Fatalf("unexpected error deleting blob: %v", err)
	}

	if _, err := bs.Stat(ctx, dgst); err != registry.ErrBlobUnknown {
		t.Fatalf("expected ErrBlobUnknown after delete, got %v", err)
	}

	if _, err := bs.Get(ctx, dgst); err != registry.ErrBlobUnknown {
		t.Fatalf("expected ErrBlobUnknown after delete, got %v", err)
	}
}

// TestBlobUploadDigestMismatch ensures a commit against the wrong digest
// fails and leaves the session intact for a retry.
func TestBlobUploadDigestMismatch(t *testing.T) {
	ctx := context.Background()
	repo := testRepository(t, ctx, "foo/mismatch")
	bs := repo.Blobs(ctx)

	contents := []byte("some layer bytes")
	bogus := digest.FromBytes([]byte("not the layer bytes"))

	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected error starting upload: %v", err)
	}
	id := wr.ID()

	if _, err := wr.Write(contents); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}

	if _, err := wr.Commit(ctx, registry.Descriptor{Digest: bogus}); err == nil {
		t.Fatal("expected digest mismatch error on commit")
	} else if _, ok := err.(registry.ErrBlobInvalidDigest); !ok {
		t.Fatalf("expected ErrBlobInvalidDigest, got %v", err)
	}

	// Session is still resumable and retains the written bytes.
	wr2, err := bs.Resume(ctx, id)
	if err != nil {
		t.Fatalf("expected session to survive digest mismatch: %v", err)
	}

	if wr2.Size() != int64(len(contents)) {
		t.Fatalf("unexpected resumed size: %d", wr2.Size())
	}

	desc, err := wr2.Commit(ctx, registry.Descriptor{Digest: digest.FromBytes(contents)})
	if err != nil {
		t.Fatalf("unexpected error committing after retry: %v", err)
	}

	if desc.Digest != digest.FromBytes(contents) {
		t.Fatalf("unexpected canonical digest: %v", desc.Digest)
	}
}

// TestBlobDeleteDisabled ensures delete returns ErrUnsupported unless it is
// enabled on the registry.
func TestBlobDeleteDisabled(t *testing.T) {
	ctx := context.Background()
	repo := testRepository(t, ctx, "foo/nodelete")
	bs := repo.Blobs(ctx)

	contents := []byte("undeletable")
	desc, err := bs.Put(ctx, "application/octet-stream", contents)
	if err != nil {
		t.Fatalf("unexpected error putting blob: %v", err)
	}

	if err := bs.Delete(ctx, desc.Digest); err != registry.ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

// TestBlobMount covers cross repository blob mounts, including the fall
// through to a regular session and the unknown source repository error.
func TestBlobMount(t *testing.T) {
	ctx := context.Background()
	driver := inmemory.New()
	reg, err := NewRegistry(ctx, driver)
	if err != nil {
		t.Fatalf("error creating registry: %v", err)
	}

	source, err := reg.Repository(ctx, "src/a")
	if err != nil {
		t.Fatalf("error getting source repo: %v", err)
	}

	dest, err := reg.Repository(ctx, "dst/b")
	if err != nil {
		t.Fatalf("error getting dest repo: %v", err)
	}

	contents := []byte("mountable content")
	desc, err := source.Blobs(ctx).Put(ctx, "application/octet-stream", contents)
	if err != nil {
		t.Fatalf("unexpected error seeding source blob: %v", err)
	}

	// Mount the blob into the destination.
	_, err = dest.Blobs(ctx).Create(ctx, WithMountFrom("src/a", desc.Digest))
	mounted, ok := err.(registry.ErrBlobMounted)
	if !ok {
		t.Fatalf("expected ErrBlobMounted, got %v", err)
	}

	if mounted.From != "src/a" || mounted.Descriptor.Digest != desc.Digest {
		t.Fatalf("unexpected mount result: %#v", mounted)
	}

	if _, err := dest.Blobs(ctx).Stat(ctx, desc.Digest); err != nil {
		t.Fatalf("expected mounted blob to stat in destination: %v", err)
	}

	// Mounting a blob missing from an existing source repository falls
	// through to a fresh session.
	missing := digest.FromBytes([]byte("never uploaded"))
	wr, err := dest.Blobs(ctx).Create(ctx, WithMountFrom("src/a", missing))
	if err != nil {
		t.Fatalf("expected fall through to session, got %v", err)
	}
	wr.Cancel(ctx)

	// Mounting from an unknown repository fails with ErrRepositoryUnknown.
	_, err = dest.Blobs(ctx).Create(ctx, WithMountFrom("no/such", desc.Digest))
	if _, ok := err.(registry.ErrRepositoryUnknown); !ok {
		t.Fatalf("expected ErrRepositoryUnknown, got %v", err)
	}
}

// TestConcurrentCommit pins the at-most-once commit guarantee: of two
// concurrent commits on the same session, exactly one succeeds.
func TestConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	repo := testRepository(t, ctx, "foo/race")
	bs := repo.Blobs(ctx)

	contents := []byte("racing bytes")
	dgst := digest.FromBytes(contents)

	wr, err := bs.Create(ctx)
	if err != nil {
		t.Fatalf("unexpected error starting upload: %v", err)
	}

	if _, err := wr.Write(contents); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}
	if err := wr.Close(); err != nil {
		t.Fatalf("unexpected error closing: %v", err)
	}

	wr2, err := bs.Resume(ctx, wr.ID())
	if err != nil {
		t.Fatalf("unexpected error resuming: %v", err)
	}

	type result struct{ err error }
	results := make(chan result, 2)

	for _, w := range []registry.BlobWriter{wr, wr2} {
		w := w
		go func() {
			_, err := w.Commit(ctx, registry.Descriptor{Digest: dgst})
			results <- result{err: err}
		}()
	}

	var succeeded, unknown int
	for i := 0; i < 2; i++ {
		res := <-results
		switch res.err {
		case nil:
			succeeded++
		case registry.ErrBlobUploadUnknown:
			unknown++
		default:
			t.Fatalf("unexpected commit error: %v", res.err)
		}
	}

	if succeeded != 1 || unknown != 1 {
		t.Fatalf("expected exactly one success and one unknown, got %d/%d", succeeded, unknown)
	}

	if _, err := bs.Stat(ctx, dgst); err != nil {
		t.Fatalf("expected blob present after race: %v", err)
	}
}
