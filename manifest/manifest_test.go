package manifest

import (
	"encoding/json"
	"testing"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

func TestUnmarshalImageManifest(t *testing.T) {
	payload, err := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     v1.MediaTypeImageManifest,
		"config": map[string]interface{}{
			"mediaType": v1.MediaTypeImageConfig,
			"digest":    "sha256:1a9ec845ee94c202b2d5da74a24f9ed02cc4932c5cb36d4d54bb10a4b0b5e1ab",
			"size":      3,
		},
		"layers": []map[string]interface{}{
			{
				"mediaType": v1.MediaTypeImageLayerGzip,
				"digest":    "sha256:62d8908bee94c202b2d35224a221aaa2058e6a1a0da47ed2bd9f05dcb7ca8a0f",
				"size":      5,
			},
			{
				"mediaType": v1.MediaTypeImageLayerGzip,
				"digest":    "sha256:3f8a00f1b0d4ce7cd5b0b118cbf0ee14b02eef71fae5dc2b0b0d1cd4ca1c8c67",
				"size":      7,
			},
		},
	})
	if err != nil {
		t.Fatalf("error marshaling test payload: %v", err)
	}

	m, desc, err := Unmarshal(v1.MediaTypeImageManifest, payload)
	if err != nil {
		t.Fatalf("unexpected error unmarshaling manifest: %v", err)
	}

	if desc.Digest != digest.FromBytes(payload) {
		t.Fatalf("unexpected canonical digest: %v", desc.Digest)
	}

	if desc.Size != int64(len(payload)) {
		t.Fatalf("unexpected canonical size: %v != %v", desc.Size, len(payload))
	}

	refs := m.References()
	if len(refs) != 3 {
		t.Fatalf("unexpected reference count: %d != 3", len(refs))
	}

	// config descriptor leads
	if refs[0].MediaType != v1.MediaTypeImageConfig {
		t.Fatalf("expected config reference first, got %v", refs[0].MediaType)
	}

	if m.Index() {
		t.Fatal("image manifest misdetected as index")
	}

	mt, canonical, err := m.Payload()
	if err != nil {
		t.Fatalf("unexpected payload error: %v", err)
	}
	if mt != v1.MediaTypeImageManifest {
		t.Fatalf("unexpected media type: %v", mt)
	}
	if string(canonical) != string(payload) {
		t.Fatal("canonical payload does not match input bytes")
	}
}

func TestUnmarshalIndex(t *testing.T) {
	payload := []byte(`{
		"schemaVersion": 2,
		"mediaType": "` + v1.MediaTypeImageIndex + `",
		"manifests": [
			{
				"mediaType": "` + v1.MediaTypeImageManifest + `",
				"digest": "sha256:6c3c624b58dbbcd3c0dd82b4c53f04194d1247c6eebdaab7c610cf7d66709b3b",
				"size": 7143
			}
		]
	}`)

	m, _, err := Unmarshal("", payload)
	if err != nil {
		t.Fatalf("unexpected error unmarshaling index: %v", err)
	}

	if !m.Index() {
		t.Fatal("index document not detected")
	}

	mt, _, _ := m.Payload()
	if mt != v1.MediaTypeImageIndex {
		t.Fatalf("media type not taken from document: %v", mt)
	}

	if len(m.References()) != 1 {
		t.Fatalf("unexpected reference count: %d", len(m.References()))
	}
}

func TestUnmarshalInvalid(t *testing.T) {
	if _, _, err := Unmarshal("", nil); err != ErrManifestEmpty {
		t.Fatalf("expected ErrManifestEmpty, got %v", err)
	}

	if _, _, err := Unmarshal("", []byte("{invalid json")); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
