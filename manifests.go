package registry

import (
	"context"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// Manifest represents a registry object specifying a set of
// references and an optional target
type Manifest interface {
	// References returns a list of objects which make up this manifest.
	// A reference is anything which can be represented by a Descriptor.
	// These can consist of layers, resources or other manifests.
	//
	// While no particular order is required, implementations should return
	// them from highest to lowest priority. For example, one might want to
	// return the base layer before the top layer.
	References() []Descriptor

	// Payload provides the serialized format of the manifest, in addition to
	// the media type.
	Payload() (mediaType string, payload []byte, err error)
}

// ManifestService describes operations on manifests.
type ManifestService interface {
	// Exists returns true if the manifest exists.
	Exists(ctx context.Context, dgst digest.Digest) (bool, error)

	// Get retrieves the manifest specified by the given digest
	Get(ctx context.Context, dgst digest.Digest, options ...ManifestServiceOption) (Manifest, error)

	// Put creates or updates the given manifest returning the manifest
	// digest.
	Put(ctx context.Context, manifest Manifest, options ...ManifestServiceOption) (digest.Digest, error)

	// Delete removes the manifest specified by the given digest. Deleting
	// a manifest that doesn't exist will return ErrManifestNotFound
	Delete(ctx context.Context, dgst digest.Digest) error
}

// ManifestEnumerator enables iterating over manifests
type ManifestEnumerator interface {
	// Enumerate calls ingester for each manifest.
	Enumerate(ctx context.Context, ingester func(digest.Digest) error) error
}

// ManifestServiceOption is a function argument for Manifest Service methods
type ManifestServiceOption interface {
	Apply(ManifestService) error
}

// PutTagger is implemented by manifest services that can associate a tag
// with the manifest written by Put.
type PutTagger interface {
	// PutTag records a tag to be pointed at the manifest once it has been
	// written.
	PutTag(tag string) error
}

// WithTag allows a tag to be passed into Put, pointing the tag at the
// written manifest.
func WithTag(tag string) ManifestServiceOption {
	return WithTagOption{tag}
}

// WithTagOption holds a tag to be applied at Put.
type WithTagOption struct{ Tag string }

// Apply conforms to the ManifestServiceOption interface, recording the tag
// on services that support tagging at put time.
func (o WithTagOption) Apply(m ManifestService) error {
	ts, ok := m.(PutTagger)
	if !ok {
		return fmt.Errorf("manifest service does not support tagging at put time")
	}

	return ts.PutTag(o.Tag)
}
