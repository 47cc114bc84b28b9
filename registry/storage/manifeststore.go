package storage

import (
	"context"

	"github.com/opencontainers/go-digest"

	"github.com/quayside/registry"
	"github.com/quayside/registry/internal/dcontext"
	"github.com/quayside/registry/manifest"
	storagedriver "github.com/quayside/registry/registry/storage/driver"
)

// manifestStore provides the ManifestService for a repository. Manifests are
// stored in the global content-addressed blob store and linked into the
// repository through revision links. Referential integrity is enforced at
// Put: every blob or manifest a document references must be present in the
// repository at the moment of commit.
type manifestStore struct {
	ctx        context.Context
	repository *repository
	blobStore  *blobStore

	// tag, when non-empty, is pointed at the revision written by the next
	// Put. Recorded through the PutTagger interface by WithTagOption.
	tag string
}

var (
	_ registry.ManifestService = &manifestStore{}
	_ registry.PutTagger       = &manifestStore{}
)

// PutTag implements registry.PutTagger, recording a tag to be written with
// the next Put on this service.
func (ms *manifestStore) PutTag(tag string) error {
	ms.tag = tag
	return nil
}

func (ms *manifestStore) Exists(ctx context.Context, dgst digest.Digest) (bool, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Exists")

	linkPath, err := pathFor(manifestRevisionLinkPathSpec{
		name:     ms.repository.Named(),
		revision: dgst,
	})
	if err != nil {
		return false, err
	}

	if _, err := ms.blobStore.driver.Stat(ctx, linkPath); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return false, nil
		default:
			return false, err
		}
	}

	return true, nil
}

func (ms *manifestStore) Get(ctx context.Context, dgst digest.Digest, options ...registry.ManifestServiceOption) (registry.Manifest, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Get")

	ok, err := ms.Exists(ctx, dgst)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, registry.ErrManifestUnknownRevision{
			Name:     ms.repository.Named(),
			Revision: dgst,
		}
	}

	content, err := ms.blobStore.Get(ctx, dgst)
	if err != nil {
		if err == registry.ErrBlobUnknown {
			return nil, registry.ErrManifestUnknownRevision{
				Name:     ms.repository.Named(),
				Revision: dgst,
			}
		}

		return nil, err
	}

	m, _, err := manifest.Unmarshal("", content)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (ms *manifestStore) Put(ctx context.Context, m registry.Manifest, options ...registry.ManifestServiceOption) (digest.Digest, error) {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Put")

	for _, option := range options {
		if err := option.Apply(ms); err != nil {
			return "", err
		}
	}

	mediaType, payload, err := m.Payload()
	if err != nil {
		return "", err
	}

	revision := digest.FromBytes(payload)

	// The presence check for every reference and the revision link write
	// must appear atomic with respect to blob unlinking in this repository.
	mutex := ms.repository.registry.repositoryLock(ms.repository.Named())
	mutex.Lock()
	defer mutex.Unlock()

	if err := ms.verifyManifest(ctx, m); err != nil {
		return "", err
	}

	if _, err := ms.blobStore.Put(ctx, mediaType, payload); err != nil {
		dcontext.GetLogger(ctx).Errorf("error putting payload into blobstore: %v", err)
		return "", err
	}

	revisionLinkPath, err := pathFor(manifestRevisionLinkPathSpec{
		name:     ms.repository.Named(),
		revision: revision,
	})
	if err != nil {
		return "", err
	}

	if err := ms.blobStore.link(ctx, revisionLinkPath, revision); err != nil {
		return "", err
	}

	if ms.tag != "" {
		tags := ms.repository.Tags(ctx)
		if err := tags.Tag(ctx, ms.tag, registry.Descriptor{Digest: revision}); err != nil {
			return "", err
		}
		ms.tag = ""
	}

	return revision, nil
}

// Delete removes the revision of the manifest from the repository. Deleting
// requires deletion to be enabled in the registry and always operates on a
// revision digest; tag references are resolved by the caller.
func (ms *manifestStore) Delete(ctx context.Context, dgst digest.Digest) error {
	dcontext.GetLogger(ctx).Debug("(*manifestStore).Delete")

	if !ms.repository.registry.manifestDeletionEnabled {
		return registry.ErrUnsupported
	}

	ok, err := ms.Exists(ctx, dgst)
	if err != nil {
		return err
	}
	if !ok {
		return registry.ErrManifestUnknownRevision{
			Name:     ms.repository.Named(),
			Revision: dgst,
		}
	}

	revisionPath, err := pathFor(manifestRevisionPathSpec{
		name:     ms.repository.Named(),
		revision: dgst,
	})
	if err != nil {
		return err
	}

	return ms.blobStore.driver.Delete(ctx, revisionPath)
}

// verifyManifest ensures that every reference carried by the manifest
// resolves within the repository. Index documents may reference manifests
// stored as revisions; all other references must be linked blobs.
func (ms *manifestStore) verifyManifest(ctx context.Context, m registry.Manifest) error {
	var errs registry.ErrManifestVerification

	blobs := ms.repository.Blobs(ctx)

	for _, descriptor := range m.References() {
		dgst := descriptor.Digest

		if err := dgst.Validate(); err != nil {
			errs = append(errs, registry.ErrManifestBlobUnknown{Digest: dgst})
			continue
		}

		if _, err := blobs.Stat(ctx, dgst); err == nil {
			continue
		} else if err != registry.ErrBlobUnknown {
			errs = append(errs, err)
			continue
		}

		// Index documents may reference manifests already stored as
		// revisions in this repository.
		if exists, err := ms.Exists(ctx, dgst); err == nil && exists {
			continue
		}

		errs = append(errs, registry.ErrManifestBlobUnknown{Digest: dgst})
	}

	if len(errs) != 0 {
		return errs
	}

	return nil
}
