package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/quayside/registry"
	storagedriver "github.com/quayside/registry/registry/storage/driver"
)

// registryImpl is the top-level implementation of Registry for use in the
// storage package. All instances should descend from this object.
type registryImpl struct {
	blobStore               *blobStore
	statter                 *blobStatter
	driver                  storagedriver.StorageDriver
	blobDeletionEnabled     bool
	manifestDeletionEnabled bool

	// repositoryLocks serializes manifest reference verification against
	// blob unlinking within the same repository, making the presence check
	// and the manifest link write appear atomic per repository.
	repositoryLocks sync.Map // repo name -> *sync.Mutex

	// uploadLocks provides the single-writer discipline per upload session
	// required for at-most-once commit.
	uploadLocks sync.Map // repo name + "@" + upload id -> *sync.Mutex
}

// RegistryOption is the type used for functional options for NewRegistry.
type RegistryOption func(*registryImpl) error

// EnableBlobDeletion is a functional option for NewRegistry. It enables
// deletion on the registry for blobs.
func EnableBlobDeletion(registry *registryImpl) error {
	registry.blobDeletionEnabled = true
	return nil
}

// EnableManifestDeletion is a functional option for NewRegistry. It enables
// deletion on the registry for manifests.
func EnableManifestDeletion(registry *registryImpl) error {
	registry.manifestDeletionEnabled = true
	return nil
}

// NewRegistry creates a new registry instance from the provided driver. The
// resulting registry may be shared by multiple goroutines but is cheap to
// allocate. If the Redirect option is specified, the backend blob server will
// attempt to use (StorageDriver).URLFor to serve all blobs.
func NewRegistry(ctx context.Context, driver storagedriver.StorageDriver, options ...RegistryOption) (registry.Namespace, error) {
	statter := &blobStatter{
		driver: driver,
	}

	bs := &blobStore{
		driver:  driver,
		statter: statter,
	}

	r := &registryImpl{
		blobStore: bs,
		statter:   statter,
		driver:    driver,
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Scope returns the namespace scope for a registry. The registry
// will only serve repositories contained within this scope.
func (reg *registryImpl) Scope() registry.Scope {
	return registry.GlobalScope
}

// Repository returns an instance of the repository tied to the registry.
// Instances should not be shared between goroutines but are cheap to
// allocate. In general, they should be request scoped.
func (reg *registryImpl) Repository(ctx context.Context, name string) (registry.Repository, error) {
	if name == "" {
		return nil, registry.ErrRepositoryNameInvalid{
			Name:   name,
			Reason: errors.New("repository name required"),
		}
	}

	return &repository{
		ctx:      ctx,
		registry: reg,
		name:     name,
	}, nil
}

// Blobs returns an enumerator over the blobs in the global blob store.
func (reg *registryImpl) Blobs() registry.BlobEnumerator {
	return &blobEnumerator{driver: reg.driver}
}

// BlobStatter returns the statter for the global, repository-independent
// blob store.
func (reg *registryImpl) BlobStatter() registry.BlobStatter {
	return reg.statter
}

// repositoryLock returns the mutex guarding cross-reference mutations in the
// named repository.
func (reg *registryImpl) repositoryLock(name string) *sync.Mutex {
	v, _ := reg.repositoryLocks.LoadOrStore(name, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// uploadLock returns the mutex providing the single-writer discipline for
// the identified upload session.
func (reg *registryImpl) uploadLock(name, id string) *sync.Mutex {
	v, _ := reg.uploadLocks.LoadOrStore(name+"@"+id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// releaseUploadLockEntry drops the lock entry for a finished session. The
// caller must hold the session mutex.
func (reg *registryImpl) releaseUploadLockEntry(name, id string) {
	reg.uploadLocks.Delete(name + "@" + id)
}

// repository provides access to the repository scoped services of the
// registry, backed by the registry's driver.
type repository struct {
	ctx      context.Context
	registry *registryImpl
	name     string
}

var _ registry.Repository = &repository{}

// Named returns the name of the repository.
func (repo *repository) Named() string {
	return repo.name
}

// exists reports whether any content has been written under the repository
// path. Repositories are created implicitly on first write, so existence is
// defined by backend state.
func (repo *repository) exists(ctx context.Context) (bool, error) {
	repoPath, err := pathFor(repositoryPathSpec{name: repo.name})
	if err != nil {
		return false, err
	}

	if _, err := repo.registry.driver.Stat(ctx, repoPath); err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return false, nil
		default:
			return false, err
		}
	}

	return true, nil
}

// Manifests returns an instance of the manifest service for this repository.
func (repo *repository) Manifests(ctx context.Context, options ...registry.ManifestServiceOption) (registry.ManifestService, error) {
	ms := &manifestStore{
		ctx:        ctx,
		repository: repo,
		blobStore:  repo.registry.blobStore,
	}

	for _, option := range options {
		if err := option.Apply(ms); err != nil {
			return nil, err
		}
	}

	return ms, nil
}

// Blobs returns an instance of the BlobStore. Instances should not be shared
// between goroutines and are generally scoped to a single request.
func (repo *repository) Blobs(ctx context.Context) registry.BlobStore {
	return &linkedBlobStore{
		ctx:           ctx,
		blobStore:     repo.registry.blobStore,
		statter:       repo.registry.statter,
		repository:    repo,
		deleteEnabled: repo.registry.blobDeletionEnabled,
	}
}

// Tags returns an instance of the TagService for this repository.
func (repo *repository) Tags(ctx context.Context) registry.TagService {
	return &tagStore{
		ctx:        ctx,
		repository: repo,
		blobStore:  repo.registry.blobStore,
	}
}

// blobEnumerator walks the global content-addressed store.
type blobEnumerator struct {
	driver storagedriver.StorageDriver
}

var _ registry.BlobEnumerator = &blobEnumerator{}

// Enumerate calls ingester with the digest of every blob present in the
// global blob store.
func (be *blobEnumerator) Enumerate(ctx context.Context, ingester func(dgst digest.Digest) error) error {
	root, err := pathFor(blobsPathSpec{})
	if err != nil {
		return err
	}

	algorithms, err := be.driver.List(ctx, root)
	if err != nil {
		switch err.(type) {
		case storagedriver.PathNotFoundError:
			return nil // empty store
		default:
			return err
		}
	}

	for _, algPath := range algorithms {
		prefixes, err := be.driver.List(ctx, algPath)
		if err != nil {
			return err
		}

		for _, prefixPath := range prefixes {
			digests, err := be.driver.List(ctx, prefixPath)
			if err != nil {
				return err
			}

			for _, digestPath := range digests {
				dgst := digest.NewDigestFromEncoded(digest.Algorithm(lastPathComponent(algPath)), lastPathComponent(digestPath))
				if err := dgst.Validate(); err != nil {
					// not a blob dir, skip
					continue
				}

				if err := ingester(dgst); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func lastPathComponent(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}
