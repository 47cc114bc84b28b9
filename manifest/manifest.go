// Package manifest provides a format-agnostic model of registry manifests.
//
// The registry does not enforce a media type vocabulary. A manifest is any
// JSON document; the model locates the blob references a document carries so
// that the storage layer can enforce referential integrity. Image manifests
// reference a config blob and layer blobs, index documents reference other
// manifests. All other fields pass through untouched: the stored artifact
// and its digest are always computed from the exact bytes received.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/quayside/registry"
)

// ErrManifestEmpty is returned by Unmarshal for zero-length payloads.
var ErrManifestEmpty = errors.New("manifest payload empty")

// document is the superset of fields the model inspects. Config and layer
// references follow the OCI image manifest layout, manifest references the
// OCI image index layout.
type document struct {
	Versioned

	Config    *v1.Descriptor  `json:"config,omitempty"`
	Layers    []v1.Descriptor `json:"layers,omitempty"`
	Manifests []v1.Descriptor `json:"manifests,omitempty"`
}

// Deserialized wraps a parsed manifest document, preserving the canonical
// payload bytes it was parsed from.
type Deserialized struct {
	doc document

	// mediaType is the content type the payload was submitted under.
	mediaType string

	// canonical is the canonical byte representation: the payload exactly as
	// received.
	canonical []byte
}

var _ registry.Manifest = &Deserialized{}

// Unmarshal parses payload into a Deserialized manifest, returning the
// canonical descriptor for the exact payload bytes. The provided mediaType
// is recorded for serving but no vocabulary is enforced; if it is empty, the
// document's own mediaType field is used.
func Unmarshal(mediaType string, payload []byte) (*Deserialized, registry.Descriptor, error) {
	if len(payload) == 0 {
		return nil, registry.Descriptor{}, ErrManifestEmpty
	}

	var doc document
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, registry.Descriptor{}, fmt.Errorf("manifest invalid: %w", err)
	}

	if mediaType == "" {
		mediaType = doc.MediaType
	}

	m := &Deserialized{
		doc:       doc,
		mediaType: mediaType,
		canonical: make([]byte, len(payload)),
	}
	copy(m.canonical, payload)

	desc := registry.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(payload),
		Size:      int64(len(payload)),
	}

	return m, desc, nil
}

// References returns the descriptors this manifest depends on: the config
// blob and layer blobs for image manifests, sub-manifests for index
// documents. The config descriptor, if present, comes first.
func (m *Deserialized) References() []registry.Descriptor {
	refs := make([]registry.Descriptor, 0, 1+len(m.doc.Layers)+len(m.doc.Manifests))

	if m.doc.Config != nil {
		refs = append(refs, fromOCI(*m.doc.Config))
	}
	for _, l := range m.doc.Layers {
		refs = append(refs, fromOCI(l))
	}
	for _, sub := range m.doc.Manifests {
		refs = append(refs, fromOCI(sub))
	}

	return refs
}

// Index reports whether the document is an index, referencing other
// manifests rather than a config and layers.
func (m *Deserialized) Index() bool {
	return len(m.doc.Manifests) > 0 && m.doc.Config == nil
}

// Payload returns the media type and the canonical payload bytes.
func (m *Deserialized) Payload() (string, []byte, error) {
	return m.mediaType, m.canonical, nil
}

func fromOCI(d v1.Descriptor) registry.Descriptor {
	return registry.Descriptor{
		MediaType: d.MediaType,
		Size:      d.Size,
		Digest:    d.Digest,
	}
}
