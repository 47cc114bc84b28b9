package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/quayside/registry"
	"github.com/quayside/registry/internal/dcontext"
	storagedriver "github.com/quayside/registry/registry/storage/driver"
)

// blobWriter is used to control the various aspects of resumable blob
// uploads. Appends are strictly ordered by the backing append-only data
// file; the commit path holds the per-session mutex so that exactly one of
// any concurrent commits can succeed.
type blobWriter struct {
	ctx       context.Context
	blobStore *linkedBlobStore

	id        string
	startedAt time.Time

	driver     storagedriver.StorageDriver
	path       string // upload data path
	fileWriter storagedriver.FileWriter

	committed bool
	cancelled bool
	closed    bool
}

var _ registry.BlobWriter = &blobWriter{}

// ID returns the identifier for this upload.
func (bw *blobWriter) ID() string {
	return bw.id
}

// StartedAt returns the time the upload session was initiated.
func (bw *blobWriter) StartedAt() time.Time {
	return bw.startedAt
}

func (bw *blobWriter) Write(p []byte) (int, error) {
	return bw.fileWriter.Write(p)
}

// Size returns the number of bytes accumulated in the session so far.
func (bw *blobWriter) Size() int64 {
	return bw.fileWriter.Size()
}

func (bw *blobWriter) Close() error {
	if bw.closed || bw.committed || bw.cancelled {
		return nil
	}
	bw.closed = true

	return bw.fileWriter.Close()
}

// Commit marks the upload as successfully completed, verifying the contents
// against the provisional descriptor and moving the accumulated bytes into
// the global blob store. The session is deleted on success. Exactly one of
// any concurrent commits on the same session succeeds; the rest observe
// ErrBlobUploadUnknown.
func (bw *blobWriter) Commit(ctx context.Context, provisional registry.Descriptor) (registry.Descriptor, error) {
	dcontext.GetLogger(ctx).Debug("(*blobWriter).Commit")

	// Flush buffered bytes so validation sees everything written so far.
	if !bw.closed {
		if err := bw.fileWriter.Commit(ctx); err != nil {
			return registry.Descriptor{}, err
		}
		if err := bw.fileWriter.Close(); err != nil {
			return registry.Descriptor{}, err
		}
		bw.closed = true
	}

	reg := bw.blobStore.repository.registry
	name := bw.blobStore.repository.Named()

	mutex := reg.uploadLock(name, bw.id)
	mutex.Lock()
	defer mutex.Unlock()

	// The startedat file is the session's existence marker. If it is gone, a
	// concurrent commit or a cancellation won the race.
	startedAtPath, err := pathFor(uploadStartedAtPathSpec{name: name, id: bw.id})
	if err != nil {
		return registry.Descriptor{}, err
	}

	if _, err := bw.driver.Stat(ctx, startedAtPath); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return registry.Descriptor{}, registry.ErrBlobUploadUnknown
		default:
			return registry.Descriptor{}, err
		}
	}

	canonical, err := bw.validateBlob(ctx, provisional)
	if err != nil {
		// The session remains intact so the client may retry with the
		// correct digest.
		return registry.Descriptor{}, err
	}

	if err := bw.moveBlob(ctx, canonical); err != nil {
		return registry.Descriptor{}, err
	}

	if err := bw.blobStore.linkBlob(ctx, canonical.Digest); err != nil {
		return registry.Descriptor{}, err
	}

	if err := bw.removeResources(ctx); err != nil {
		return registry.Descriptor{}, err
	}

	reg.releaseUploadLockEntry(name, bw.id)
	bw.committed = true

	return canonical, nil
}

// Cancel the blob upload process, releasing any resources associated with
// the writer and canceling the operation.
func (bw *blobWriter) Cancel(ctx context.Context) error {
	dcontext.GetLogger(ctx).Debug("(*blobWriter).Cancel")

	if bw.committed {
		return nil
	}

	if !bw.closed {
		bw.fileWriter.Close()
		bw.closed = true
	}

	reg := bw.blobStore.repository.registry
	name := bw.blobStore.repository.Named()

	mutex := reg.uploadLock(name, bw.id)
	mutex.Lock()
	defer mutex.Unlock()

	if err := bw.removeResources(ctx); err != nil {
		return err
	}

	reg.releaseUploadLockEntry(name, bw.id)
	bw.cancelled = true

	return nil
}

// validateBlob checks the data against the provisional descriptor, returning
// the canonical descriptor on success. The digest is computed over the full
// accumulated byte stream, never over a re-serialization.
func (bw *blobWriter) validateBlob(ctx context.Context, provisional registry.Descriptor) (registry.Descriptor, error) {
	if provisional.Digest == "" {
		// if no descriptors are provided, we have nothing to validate
		// against. We don't really want to support this for the registry.
		return registry.Descriptor{}, registry.ErrBlobInvalidDigest{
			Reason: errDigestNotProvided,
		}
	}

	if err := provisional.Digest.Validate(); err != nil {
		return registry.Descriptor{}, registry.ErrBlobInvalidDigest{
			Digest: provisional.Digest,
			Reason: err,
		}
	}

	var size int64
	fi, err := bw.driver.Stat(ctx, bw.path)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			// Zero-length blob; no data file was ever written.
			size = 0
		default:
			return registry.Descriptor{}, err
		}
	} else {
		size = fi.Size()
	}

	if provisional.Size > 0 && provisional.Size != size {
		return registry.Descriptor{}, registry.ErrBlobInvalidLength
	}

	digester := digest.Canonical.Digester()

	if size > 0 {
		rc, err := bw.driver.Reader(ctx, bw.path, 0)
		if err != nil {
			return registry.Descriptor{}, err
		}

		if _, err := io.Copy(digester.Hash(), rc); err != nil {
			rc.Close()
			return registry.Descriptor{}, err
		}
		rc.Close()
	}

	actual := digester.Digest()

	if provisional.Digest.Algorithm() == digest.Canonical {
		if actual != provisional.Digest {
			return registry.Descriptor{}, registry.ErrBlobInvalidDigest{
				Digest: provisional.Digest,
				Reason: fmt.Errorf("content does not match digest"),
			}
		}
	} else {
		// Non-canonical algorithms are verified with their own hash and
		// stored under the canonical digest.
		verifier := provisional.Digest.Verifier()

		if size > 0 {
			rc, err := bw.driver.Reader(ctx, bw.path, 0)
			if err != nil {
				return registry.Descriptor{}, err
			}

			if _, err := io.Copy(verifier, rc); err != nil {
				rc.Close()
				return registry.Descriptor{}, err
			}
			rc.Close()
		}

		if !verifier.Verified() {
			return registry.Descriptor{}, registry.ErrBlobInvalidDigest{
				Digest: provisional.Digest,
			}
		}
	}

	canonical := registry.Descriptor{
		Digest:    actual,
		Size:      size,
		MediaType: provisional.MediaType,
	}
	if canonical.MediaType == "" {
		canonical.MediaType = "application/octet-stream"
	}

	return canonical, nil
}

// moveBlob causes a blob to be moved from the upload directory to the
// canonical location in the blob store. If the blob already exists in the
// store, the upload data is simply discarded.
func (bw *blobWriter) moveBlob(ctx context.Context, desc registry.Descriptor) error {
	blobPath, err := pathFor(blobDataPathSpec{digest: desc.Digest})
	if err != nil {
		return err
	}

	// Check for existence
	if _, err := bw.driver.Stat(ctx, blobPath); err == nil {
		// content already present, upload data no longer needed
		return nil
	} else if _, ok := err.(storagedriver.PathNotFoundError); !ok {
		return err
	}

	if _, err := bw.driver.Stat(ctx, bw.path); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			// The zero-length blob has no upload data file. Write the empty
			// content directly.
			return bw.driver.PutContent(ctx, blobPath, []byte{})
		default:
			return err
		}
	}

	return bw.driver.Move(ctx, bw.path, blobPath)
}

// removeResources deletes the upload session directory.
func (bw *blobWriter) removeResources(ctx context.Context) error {
	uploadPath, err := pathFor(uploadPathSpec{
		name: bw.blobStore.repository.Named(),
		id:   bw.id,
	})
	if err != nil {
		return err
	}

	// Resolve and delete the containing directory, which should include any
	// upload related files.
	if err := bw.driver.Delete(ctx, uploadPath); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			break // already gone
		default:
			// This should be uncommon enough such that returning an error
			// should be okay. At this point, the upload should be mostly
			// complete, but perhaps the backend became unaccessible.
			dcontext.GetLogger(ctx).Errorf("unable to delete layer upload resources %q: %v", uploadPath, err)
			return err
		}
	}

	return nil
}

// errDigestNotProvided is returned when a blob is committed without a digest
// to verify against.
var errDigestNotProvided = errors.New("digest not provided for commit")
