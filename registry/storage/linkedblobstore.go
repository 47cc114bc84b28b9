package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"

	"github.com/quayside/registry"
	"github.com/quayside/registry/internal/dcontext"
	storagedriver "github.com/quayside/registry/registry/storage/driver"
)

// linkedBlobStore provides a full BlobService that namespaces the blobs to a
// given repository. Effectively, it manages the links in a given repository
// that grant access to the global blob store.
type linkedBlobStore struct {
	ctx           context.Context
	blobStore     *blobStore
	statter       *blobStatter
	repository    *repository
	deleteEnabled bool
}

var _ registry.BlobStore = &linkedBlobStore{}

func (lbs *linkedBlobStore) Stat(ctx context.Context, dgst digest.Digest) (registry.Descriptor, error) {
	linkPath, err := pathFor(layerLinkPathSpec{name: lbs.repository.Named(), digest: dgst})
	if err != nil {
		return registry.Descriptor{}, err
	}

	target, err := lbs.blobStore.readlink(ctx, linkPath)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return registry.Descriptor{}, registry.ErrBlobUnknown
		default:
			return registry.Descriptor{}, err
		}
	}

	// The link must resolve to content in the global store.
	return lbs.statter.Stat(ctx, target)
}

func (lbs *linkedBlobStore) Get(ctx context.Context, dgst digest.Digest) ([]byte, error) {
	canonical, err := lbs.Stat(ctx, dgst) // access check
	if err != nil {
		return nil, err
	}

	return lbs.blobStore.Get(ctx, canonical.Digest)
}

func (lbs *linkedBlobStore) Open(ctx context.Context, dgst digest.Digest) (io.ReadSeekCloser, error) {
	canonical, err := lbs.Stat(ctx, dgst) // access check
	if err != nil {
		return nil, err
	}

	return lbs.blobStore.Open(ctx, canonical.Digest)
}

func (lbs *linkedBlobStore) ServeBlob(ctx context.Context, w http.ResponseWriter, r *http.Request, dgst digest.Digest) error {
	canonical, err := lbs.Stat(ctx, dgst) // access check
	if err != nil {
		return err
	}

	br, err := lbs.blobStore.Open(ctx, canonical.Digest)
	if err != nil {
		return err
	}
	defer br.Close()

	w.Header().Set("ETag", fmt.Sprintf(`"%s"`, canonical.Digest)) // If-None-Match handled by ServeContent
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%.f", blobCacheControlMaxAge.Seconds()))

	if w.Header().Get("Docker-Content-Digest") == "" {
		w.Header().Set("Docker-Content-Digest", canonical.Digest.String())
	}

	if w.Header().Get("Content-Type") == "" {
		// Set the content type if not already set.
		w.Header().Set("Content-Type", canonical.MediaType)
	}

	if w.Header().Get("Content-Length") == "" {
		// Set the content length if not already set.
		w.Header().Set("Content-Length", fmt.Sprint(canonical.Size))
	}

	http.ServeContent(w, r, canonical.Digest.String(), time.Time{}, br)
	return nil
}

func (lbs *linkedBlobStore) Put(ctx context.Context, mediaType string, p []byte) (registry.Descriptor, error) {
	// Place the data in the blob store first.
	desc, err := lbs.blobStore.Put(ctx, mediaType, p)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error putting into main store: %v", err)
		return registry.Descriptor{}, err
	}

	// TODO(stevvooe): Write out mediatype if incoming differs from what is
	// returned by Put above. Note that we should allow updates for a given
	// repository.

	return desc, lbs.linkBlob(ctx, desc.Digest)
}

// createOptions is a collection of blob creation modifiers relevant to
// general purpose blob storage servers. Individual implementations may not
// support all features.
type createOptions struct {
	Mount struct {
		ShouldMount bool
		From        string
		Digest      digest.Digest
	}
}

type optionFunc func(interface{}) error

func (f optionFunc) Apply(v interface{}) error {
	return f(v)
}

// WithMountFrom returns a BlobCreateOption which designates that the blob
// should be mounted from the given source repository under the given digest.
func WithMountFrom(from string, dgst digest.Digest) registry.BlobCreateOption {
	return optionFunc(func(v interface{}) error {
		opts, ok := v.(*createOptions)
		if !ok {
			return fmt.Errorf("unexpected options type: %T", v)
		}

		opts.Mount.ShouldMount = true
		opts.Mount.From = from
		opts.Mount.Digest = dgst

		return nil
	})
}

// Create begins a blob write session, returning a handle. If a mount was
// requested and the blob is present in the source repository, no session is
// created and ErrBlobMounted is returned with the canonical descriptor. A
// mount whose blob is missing from the source repository falls through to a
// regular session.
func (lbs *linkedBlobStore) Create(ctx context.Context, options ...registry.BlobCreateOption) (registry.BlobWriter, error) {
	var opts createOptions

	for _, option := range options {
		err := option.Apply(&opts)
		if err != nil {
			return nil, err
		}
	}

	if opts.Mount.ShouldMount {
		mounted, err := lbs.mount(ctx, opts.Mount.From, opts.Mount.Digest)
		if err == nil {
			// mounted, no writer required.
			return nil, registry.ErrBlobMounted{From: opts.Mount.From, Descriptor: mounted}
		}
		if err != errMountFallthrough {
			return nil, err
		}

		// blob missing from source repository, continue with a fresh session
	}

	id := uuid.NewString()
	startedAt := time.Now().UTC()

	path, err := pathFor(uploadDataPathSpec{
		name: lbs.repository.Named(),
		id:   id,
	})
	if err != nil {
		return nil, err
	}

	startedAtPath, err := pathFor(uploadStartedAtPathSpec{
		name: lbs.repository.Named(),
		id:   id,
	})
	if err != nil {
		return nil, err
	}

	// Write a startedat file for this upload
	if err := lbs.blobStore.driver.PutContent(ctx, startedAtPath, []byte(startedAt.Format(time.RFC3339))); err != nil {
		return nil, err
	}

	return lbs.newBlobUpload(ctx, id, path, startedAt, false)
}

// Resume continues an in-progress upload session identified by id.
func (lbs *linkedBlobStore) Resume(ctx context.Context, id string) (registry.BlobWriter, error) {
	startedAtPath, err := pathFor(uploadStartedAtPathSpec{
		name: lbs.repository.Named(),
		id:   id,
	})
	if err != nil {
		return nil, err
	}

	startedAtBytes, err := lbs.blobStore.driver.GetContent(ctx, startedAtPath)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return nil, registry.ErrBlobUploadUnknown
		default:
			return nil, err
		}
	}

	startedAt, err := time.Parse(time.RFC3339, string(startedAtBytes))
	if err != nil {
		return nil, err
	}

	path, err := pathFor(uploadDataPathSpec{
		name: lbs.repository.Named(),
		id:   id,
	})
	if err != nil {
		return nil, err
	}

	return lbs.newBlobUpload(ctx, id, path, startedAt, true)
}

// Delete removes the repository's link to the identified blob. The backing
// data in the global store is untouched.
func (lbs *linkedBlobStore) Delete(ctx context.Context, dgst digest.Digest) error {
	if !lbs.deleteEnabled {
		return registry.ErrUnsupported
	}

	// Serialize against manifest reference verification in this repository.
	mutex := lbs.repository.registry.repositoryLock(lbs.repository.Named())
	mutex.Lock()
	defer mutex.Unlock()

	// Ensure the blob is available for deletion
	_, err := lbs.Stat(ctx, dgst)
	if err != nil {
		return err
	}

	blobLinkPath, err := pathFor(layerLinkPathSpec{name: lbs.repository.Named(), digest: dgst})
	if err != nil {
		return err
	}

	return lbs.blobStore.driver.Delete(ctx, blobLinkPath)
}

// errMountFallthrough signals that a mount could not be satisfied and a
// regular upload session should be created instead.
var errMountFallthrough = fmt.Errorf("mount fallthrough")

// mount makes the blob dgst, present in the source repository, available in
// this repository by writing a link. The source repository must exist;
// otherwise ErrRepositoryUnknown is returned.
func (lbs *linkedBlobStore) mount(ctx context.Context, sourceRepo string, dgst digest.Digest) (registry.Descriptor, error) {
	repoPath, err := pathFor(repositoryPathSpec{name: sourceRepo})
	if err != nil {
		return registry.Descriptor{}, err
	}

	if _, err := lbs.blobStore.driver.Stat(ctx, repoPath); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return registry.Descriptor{}, registry.ErrRepositoryUnknown{Name: sourceRepo}
		default:
			return registry.Descriptor{}, err
		}
	}

	sourceLinkPath, err := pathFor(layerLinkPathSpec{name: sourceRepo, digest: dgst})
	if err != nil {
		return registry.Descriptor{}, err
	}

	target, err := lbs.blobStore.readlink(ctx, sourceLinkPath)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return registry.Descriptor{}, errMountFallthrough
		default:
			return registry.Descriptor{}, err
		}
	}

	canonical, err := lbs.statter.Stat(ctx, target)
	if err != nil {
		if err == registry.ErrBlobUnknown {
			return registry.Descriptor{}, errMountFallthrough
		}
		return registry.Descriptor{}, err
	}

	if err := lbs.linkBlob(ctx, canonical.Digest); err != nil {
		return registry.Descriptor{}, err
	}

	return canonical, nil
}

// newBlobUpload allocates a new upload controller with the given state.
func (lbs *linkedBlobStore) newBlobUpload(ctx context.Context, id, path string, startedAt time.Time, append bool) (registry.BlobWriter, error) {
	fw, err := lbs.blobStore.driver.Writer(ctx, path, append)
	if err != nil {
		return nil, err
	}

	bw := &blobWriter{
		ctx:        ctx,
		blobStore:  lbs,
		id:         id,
		startedAt:  startedAt,
		path:       path,
		fileWriter: fw,
		driver:     lbs.blobStore.driver,
	}

	return bw, nil
}

// linkBlob links a valid, written blob into the registry under the named
// repository for the upload controller.
func (lbs *linkedBlobStore) linkBlob(ctx context.Context, dgst digest.Digest) error {
	blobLinkPath, err := pathFor(layerLinkPathSpec{name: lbs.repository.Named(), digest: dgst})
	if err != nil {
		return err
	}

	return lbs.blobStore.link(ctx, blobLinkPath, dgst)
}

// blobCacheControlMaxAge is the max-age directive attached to blob
// responses. Blobs are content addressed, thus immutable.
const blobCacheControlMaxAge = 365 * 24 * time.Hour
