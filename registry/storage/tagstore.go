package storage

import (
	"context"
	"path"
	"sort"

	"github.com/quayside/registry"
	storagedriver "github.com/quayside/registry/registry/storage/driver"
)

// tagStore provides the tag service for a repository. Tags are mutable
// pointers from a name to a manifest revision digest, stored as link files
// under the repository's _manifests/tags directory.
type tagStore struct {
	ctx        context.Context
	repository *repository
	blobStore  *blobStore
}

var _ registry.TagService = &tagStore{}

// All returns all tags in the repository, in lexical order.
func (ts *tagStore) All(ctx context.Context) ([]string, error) {
	pathSpec, err := pathFor(manifestTagsPathSpec{
		name: ts.repository.Named(),
	})
	if err != nil {
		return nil, err
	}

	entries, err := ts.blobStore.driver.List(ctx, pathSpec)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return nil, registry.ErrRepositoryUnknown{Name: ts.repository.Named()}
		default:
			return nil, err
		}
	}

	tags := make([]string, 0, len(entries))
	for _, entry := range entries {
		_, filename := path.Split(entry)
		tags = append(tags, filename)
	}

	sort.Strings(tags)

	return tags, nil
}

// Tag tags the digest with the given tag, updating the store to point at
// the current tag. The digest must point to a manifest.
func (ts *tagStore) Tag(ctx context.Context, tag string, desc registry.Descriptor) error {
	if err := desc.Digest.Validate(); err != nil {
		return err
	}

	currentPath, err := pathFor(manifestTagCurrentPathSpec{
		name: ts.repository.Named(),
		tag:  tag,
	})
	if err != nil {
		return err
	}

	// Link into the index
	return ts.blobStore.link(ctx, currentPath, desc.Digest)
}

// Get resolves the descriptor for the current revision the tag points at.
func (ts *tagStore) Get(ctx context.Context, tag string) (registry.Descriptor, error) {
	currentPath, err := pathFor(manifestTagCurrentPathSpec{
		name: ts.repository.Named(),
		tag:  tag,
	})
	if err != nil {
		return registry.Descriptor{}, err
	}

	revision, err := ts.blobStore.readlink(ctx, currentPath)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return registry.Descriptor{}, registry.ErrTagUnknown{Tag: tag}
		default:
			return registry.Descriptor{}, err
		}
	}

	return registry.Descriptor{Digest: revision}, nil
}

// Untag removes the tag association.
func (ts *tagStore) Untag(ctx context.Context, tag string) error {
	tagPath, err := pathFor(manifestTagPathSpec{
		name: ts.repository.Named(),
		tag:  tag,
	})
	if err != nil {
		return err
	}

	if err := ts.blobStore.driver.Delete(ctx, tagPath); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return registry.ErrTagUnknown{Tag: tag}
		default:
			return err
		}
	}

	return nil
}

// Lookup recovers a list of tags which refer to this digest. When a manifest
// is deleted by digest, tag entries which point to it need to be recovered to
// avoid dangling tags.
func (ts *tagStore) Lookup(ctx context.Context, desc registry.Descriptor) ([]string, error) {
	allTags, err := ts.All(ctx)
	switch err.(type) {
	case registry.ErrRepositoryUnknown:
		// This tag store has been initialized but not yet populated
		break
	case nil:
		break
	default:
		return nil, err
	}

	var tags []string
	for _, tag := range allTags {
		tagLinkPathSpec := manifestTagCurrentPathSpec{
			name: ts.repository.Named(),
			tag:  tag,
		}

		tagLinkPath, _ := pathFor(tagLinkPathSpec)
		tagDigest, err := ts.blobStore.readlink(ctx, tagLinkPath)
		if err != nil {
			switch err.(type) {
			case storagedriver.PathNotFoundError:
				continue
			}
			return nil, err
		}

		if tagDigest == desc.Digest {
			tags = append(tags, tag)
		}
	}

	return tags, nil
}
