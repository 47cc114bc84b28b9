package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/quayside/registry"
	"github.com/quayside/registry/manifest"
	"github.com/quayside/registry/registry/storage/driver/inmemory"
)

type manifestStoreTestEnv struct {
	ctx  context.Context
	repo registry.Repository
}

func newManifestStoreTestEnv(t *testing.T, options ...RegistryOption) *manifestStoreTestEnv {
	ctx := context.Background()
	driver := inmemory.New()
	reg, err := NewRegistry(ctx, driver, options...)
	if err != nil {
		t.Fatalf("error creating registry: %v", err)
	}

	repo, err := reg.Repository(ctx, "foo/bar")
	if err != nil {
		t.Fatalf("unexpected error getting repo: %v", err)
	}

	return &manifestStoreTestEnv{ctx: ctx, repo: repo}
}

// seedBlob puts contents directly into the repository blob store and returns
// the descriptor.
func seedBlob(t *testing.T, env *manifestStoreTestEnv, contents []byte) registry.Descriptor {
	desc, err := env.repo.Blobs(env.ctx).Put(env.ctx, "application/octet-stream", contents)
	if err != nil {
		t.Fatalf("unexpected error seeding blob: %v", err)
	}
	return desc
}

func imageManifestPayload(t *testing.T, config registry.Descriptor, layers ...registry.Descriptor) []byte {
	doc := map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"config": map[string]interface{}{
			"mediaType": v1.MediaTypeImageConfig,
			"digest":    config.Digest.String(),
			"size":      config.Size,
		},
	}

	layerDocs := []map[string]interface{}{}
	for _, layer := range layers {
		layerDocs = append(layerDocs, map[string]interface{}{
			"mediaType": v1.MediaTypeImageLayerGzip,
			"digest":    layer.Digest.String(),
			"size":      layer.Size,
		})
	}
	doc["layers"] = layerDocs

	payload, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("error marshaling payload: %v", err)
	}

	return payload
}

func TestManifestStorage(t *testing.T) {
	env := newManifestStoreTestEnv(t, EnableManifestDeletion)

	ms, err := env.repo.Manifests(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error getting manifest service: %v", err)
	}

	config := seedBlob(t, env, []byte(`{"arch":"amd64"}`))
	layer := seedBlob(t, env, []byte("layer bytes"))

	payload := imageManifestPayload(t, config, layer)
	m, desc, err := manifest.Unmarshal(v1.MediaTypeImageManifest, payload)
	if err != nil {
		t.Fatalf("unexpected error parsing manifest: %v", err)
	}

	revision, err := ms.Put(env.ctx, m, registry.WithTag("latest"))
	if err != nil {
		t.Fatalf("unexpected error putting manifest: %v", err)
	}

	if revision != desc.Digest {
		t.Fatalf("unexpected revision digest: %v != %v", revision, desc.Digest)
	}

	exists, err := ms.Exists(env.ctx, revision)
	if err != nil {
		t.Fatalf("unexpected error checking existence: %v", err)
	}
	if !exists {
		t.Fatal("manifest not found after put")
	}

	fetched, err := ms.Get(env.ctx, revision)
	if err != nil {
		t.Fatalf("unexpected error fetching manifest: %v", err)
	}

	_, fetchedPayload, err := fetched.Payload()
	if err != nil {
		t.Fatalf("unexpected error getting payload: %v", err)
	}

	if !bytes.Equal(fetchedPayload, payload) {
		t.Fatal("fetched payload does not match stored payload")
	}

	// Tag resolves to the revision.
	tagDesc, err := env.repo.Tags(env.ctx).Get(env.ctx, "latest")
	if err != nil {
		t.Fatalf("unexpected error resolving tag: %v", err)
	}
	if tagDesc.Digest != revision {
		t.Fatalf("tag resolves to wrong revision: %v != %v", tagDesc.Digest, revision)
	}

	// Re-putting the identical manifest yields the same digest.
	revision2, err := ms.Put(env.ctx, m, registry.WithTag("latest"))
	if err != nil {
		t.Fatalf("unexpected error re-putting manifest: %v", err)
	}
	if revision2 != revision {
		t.Fatalf("identical manifest produced different revision: %v != %v", revision2, revision)
	}

	// Delete the revision.
	if err := ms.Delete(env.ctx, revision); err != nil {
		t.Fatalf("unexpected error deleting manifest: %v", err)
	}

	exists, err = ms.Exists(env.ctx, revision)
	if err != nil {
		t.Fatalf("unexpected error checking existence after delete: %v", err)
	}
	if exists {
		t.Fatal("manifest still present after delete")
	}

	if err := ms.Delete(env.ctx, revision); err == nil {
		t.Fatal("expected error deleting unknown manifest")
	} else if _, ok := err.(registry.ErrManifestUnknownRevision); !ok {
		t.Fatalf("expected ErrManifestUnknownRevision, got %v", err)
	}
}

func TestManifestUnknownBlob(t *testing.T) {
	env := newManifestStoreTestEnv(t)

	ms, err := env.repo.Manifests(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error getting manifest service: %v", err)
	}

	// Reference digests never uploaded to this repository.
	missing := registry.Descriptor{
		Digest: digest.FromBytes([]byte("missing config")),
		Size:   14,
	}
	payload := imageManifestPayload(t, missing)

	m, _, err := manifest.Unmarshal(v1.MediaTypeImageManifest, payload)
	if err != nil {
		t.Fatalf("unexpected error parsing manifest: %v", err)
	}

	if _, err := ms.Put(env.ctx, m); err == nil {
		t.Fatal("expected verification failure for missing blob")
	} else if verr, ok := err.(registry.ErrManifestVerification); !ok {
		t.Fatalf("expected ErrManifestVerification, got %v", err)
	} else {
		if len(verr) != 1 {
			t.Fatalf("unexpected verification error count: %d", len(verr))
		}
		if _, ok := verr[0].(registry.ErrManifestBlobUnknown); !ok {
			t.Fatalf("expected ErrManifestBlobUnknown, got %v", verr[0])
		}
	}
}

func TestManifestDeleteDisabled(t *testing.T) {
	env := newManifestStoreTestEnv(t)

	ms, err := env.repo.Manifests(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error getting manifest service: %v", err)
	}

	if err := ms.Delete(env.ctx, digest.FromBytes([]byte("whatever"))); err != registry.ErrUnsupported {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestIndexManifestReferences(t *testing.T) {
	env := newManifestStoreTestEnv(t)

	ms, err := env.repo.Manifests(env.ctx)
	if err != nil {
		t.Fatalf("unexpected error getting manifest service: %v", err)
	}

	// Store an image manifest first.
	config := seedBlob(t, env, []byte(`{"arch":"arm64"}`))
	payload := imageManifestPayload(t, config)
	m, desc, err := manifest.Unmarshal(v1.MediaTypeImageManifest, payload)
	if err != nil {
		t.Fatalf("unexpected error parsing manifest: %v", err)
	}

	if _, err := ms.Put(env.ctx, m); err != nil {
		t.Fatalf("unexpected error putting image manifest: %v", err)
	}

	// An index referencing the stored manifest verifies.
	indexPayload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageIndex,
		"manifests": []map[string]interface{}{
			{
				"mediaType": v1.MediaTypeImageManifest,
				"digest":    desc.Digest.String(),
				"size":      desc.Size,
				"platform":  map[string]interface{}{"architecture": "arm64", "os": "linux"},
			},
		},
	})
	if err != nil {
		t.Fatalf("error marshaling index: %v", err)
	}

	idx, _, err := manifest.Unmarshal(v1.MediaTypeImageIndex, indexPayload)
	if err != nil {
		t.Fatalf("unexpected error parsing index: %v", err)
	}

	if _, err := ms.Put(env.ctx, idx); err != nil {
		t.Fatalf("unexpected error putting index: %v", err)
	}
}
