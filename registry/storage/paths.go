package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"
)

// storagePathVersion is the fixed storage path version. All driver paths are
// rooted at it.
const storagePathVersion = "v2"

// pathFor maps paths based on "object names" and their ids. The "object
// names" mapped by are internal to the storage system.
//
// The path layout in the storage backend is roughly as follows:
//
//	/v2
//		-> repositories/
//			-><name>/
//				-> _manifests/
//					revisions
//						-> <manifest digest path>
//							-> link
//					tags/<tag>
//						-> current/link
//				-> _layers/
//					<layer links to blob store>
//				-> _uploads/<id>
//					data
//					startedat
//		-> blobs/<algorithm>
//			<split directory content addressable storage>
//
// The storage backend layout is broken up into a content-addressable blob
// store and repositories. The content-addressable blob store holds most data
// throughout the backend, keyed by algorithm and digests of the underlying
// content. Access to the blob store is controlled through links from the
// repository to blobstore.
//
// A repository is made up of layers, manifests and tags. The layers component
// is just a directory of layers which are "linked" into a repository. A layer
// can only be accessed through a qualified repository name if it is linked in
// the repository. Uploads of layers are managed in the uploads directory,
// which is key by upload id.
//
// We cover the path formats implemented by this path mapper below.
//
//	Manifests:
//
//	manifestRevisionsPathSpec:      /v2/repositories/<name>/_manifests/revisions/
//	manifestRevisionPathSpec:       /v2/repositories/<name>/_manifests/revisions/<algorithm>/<hex digest>/
//	manifestRevisionLinkPathSpec:   /v2/repositories/<name>/_manifests/revisions/<algorithm>/<hex digest>/link
//
//	Tags:
//
//	manifestTagsPathSpec:           /v2/repositories/<name>/_manifests/tags/
//	manifestTagPathSpec:            /v2/repositories/<name>/_manifests/tags/<tag>/
//	manifestTagCurrentPathSpec:     /v2/repositories/<name>/_manifests/tags/<tag>/current/link
//
//	Blobs:
//
//	layerLinkPathSpec:              /v2/repositories/<name>/_layers/<algorithm>/<hex digest>/link
//
//	Uploads:
//
//	uploadDataPathSpec:             /v2/repositories/<name>/_uploads/<id>/data
//	uploadStartedAtPathSpec:        /v2/repositories/<name>/_uploads/<id>/startedat
//
//	Blob Store:
//
//	blobsPathSpec:                  /v2/blobs/
//	blobPathSpec:                   /v2/blobs/<algorithm>/<first two hex bytes of digest>/<hex digest>
//	blobDataPathSpec:               /v2/blobs/<algorithm>/<first two hex bytes of digest>/<hex digest>/data
//
// For more information on the semantic meaning of each path and their
// contents, please see the path spec documentation.
func pathFor(spec pathSpec) (string, error) {
	// Switch on the path object type and return the appropriate path. At
	// first glance, one may wonder why we don't use an interface to
	// accomplish this. By keep the formatting separate from the pathSpec, we
	// keep separate the path generation componentized. These specs could be
	// passed to a completely different mapper implementation and generate a
	// different set of paths.
	//
	// For example, imagine migrating from one backend to the other: one could
	// build a filesystem walker that converts a string path in one version,
	// to an intermediate path object, than can be consumed and mapped by the
	// other version.

	rootPrefix := []string{"/", storagePathVersion}
	repoPrefix := append(rootPrefix, "repositories")

	switch v := spec.(type) {
	case manifestRevisionsPathSpec:
		return path.Join(append(repoPrefix, v.name, "_manifests", "revisions")...), nil
	case manifestRevisionPathSpec:
		components, err := digestPathComponents(v.revision, false)
		if err != nil {
			return "", err
		}

		return path.Join(append(append(repoPrefix, v.name, "_manifests", "revisions"), components...)...), nil
	case manifestRevisionLinkPathSpec:
		root, err := pathFor(manifestRevisionPathSpec{
			name:     v.name,
			revision: v.revision,
		})
		if err != nil {
			return "", err
		}

		return path.Join(root, "link"), nil
	case manifestTagsPathSpec:
		return path.Join(append(repoPrefix, v.name, "_manifests", "tags")...), nil
	case manifestTagPathSpec:
		root, err := pathFor(manifestTagsPathSpec{
			name: v.name,
		})
		if err != nil {
			return "", err
		}

		return path.Join(root, v.tag), nil
	case manifestTagCurrentPathSpec:
		root, err := pathFor(manifestTagPathSpec{
			name: v.name,
			tag:  v.tag,
		})
		if err != nil {
			return "", err
		}

		return path.Join(root, "current", "link"), nil
	case layerLinkPathSpec:
		components, err := digestPathComponents(v.digest, false)
		if err != nil {
			return "", err
		}

		layerLinkPathComponents := append(repoPrefix, v.name, "_layers")

		return path.Join(path.Join(append(layerLinkPathComponents, components...)...), "link"), nil
	case blobsPathSpec:
		blobsPathPrefix := append(rootPrefix, "blobs")
		return path.Join(blobsPathPrefix...), nil
	case blobPathSpec:
		components, err := digestPathComponents(v.digest, true)
		if err != nil {
			return "", err
		}

		blobPathPrefix := append(rootPrefix, "blobs")
		return path.Join(append(blobPathPrefix, components...)...), nil
	case blobDataPathSpec:
		components, err := digestPathComponents(v.digest, true)
		if err != nil {
			return "", err
		}

		components = append(components, "data")
		blobPathPrefix := append(rootPrefix, "blobs")
		return path.Join(append(blobPathPrefix, components...)...), nil
	case uploadDataPathSpec:
		return path.Join(append(repoPrefix, v.name, "_uploads", v.id, "data")...), nil
	case uploadStartedAtPathSpec:
		return path.Join(append(repoPrefix, v.name, "_uploads", v.id, "startedat")...), nil
	case uploadPathSpec:
		return path.Join(append(repoPrefix, v.name, "_uploads", v.id)...), nil
	case uploadsPathSpec:
		return path.Join(append(repoPrefix, v.name, "_uploads")...), nil
	case repositoriesRootPathSpec:
		return path.Join(repoPrefix...), nil
	case repositoryPathSpec:
		return path.Join(append(repoPrefix, v.name)...), nil
	default:
		// TODO(stevvooe): This is an internal error. Ensure it doesn't escape (panic?).
		return "", fmt.Errorf("unknown path spec: %#v", v)
	}
}

// pathSpec is a type to mark structs as path specs. There is no
// implementation because we'd like to keep the specs and the mappers
// decoupled.
type pathSpec interface {
	pathSpec()
}

// manifestRevisionsPathSpec describes the directory of revisions in a
// repository.
type manifestRevisionsPathSpec struct {
	name string
}

func (manifestRevisionsPathSpec) pathSpec() {}

// manifestRevisionPathSpec describes the components of the directory path for
// a manifest revision.
type manifestRevisionPathSpec struct {
	name     string
	revision digest.Digest
}

func (manifestRevisionPathSpec) pathSpec() {}

// manifestRevisionLinkPathSpec describes the path components required to look
// up the data link for a revision of a manifest. If this file is not present,
// the manifest blob is not available in the given repo. The contents of this
// file should just be the digest.
type manifestRevisionLinkPathSpec struct {
	name     string
	revision digest.Digest
}

func (manifestRevisionLinkPathSpec) pathSpec() {}

// manifestTagsPathSpec describes the path elements required to point to the
// directory with all manifest tags under the repository.
type manifestTagsPathSpec struct {
	name string
}

func (manifestTagsPathSpec) pathSpec() {}

// manifestTagPathSpec describes the path elements required to point to the
// directory for a single tag under the repository.
type manifestTagPathSpec struct {
	name string
	tag  string
}

func (manifestTagPathSpec) pathSpec() {}

// manifestTagCurrentPathSpec describes the link to the current revision for a
// given tag.
type manifestTagCurrentPathSpec struct {
	name string
	tag  string
}

func (manifestTagCurrentPathSpec) pathSpec() {}

// layerLinkPathSpec specifies a path for a layer link, which is a file with a
// blob id. The layer link will contain a content addressable blob id
// reference into the blob store. The format of the contents is as follows:
//
//	<algorithm>:<hex digest of layer data>
//
// The following example of the file contents is more illustrative:
//
//	sha256:96443a84ce518ac22acb2e985eda402b58ac19ce6f91980bde231e459a9978aa
//
// This indicates that there is a blob with the id/digest, calculated via
// sha256 over the contents of the blob.
type layerLinkPathSpec struct {
	name   string
	digest digest.Digest
}

func (layerLinkPathSpec) pathSpec() {}

// blobsPathSpec contains the path for the blobs directory
type blobsPathSpec struct{}

func (blobsPathSpec) pathSpec() {}

// blobPathSpec contains the path for the registry global blob store.
type blobPathSpec struct {
	digest digest.Digest
}

func (blobPathSpec) pathSpec() {}

// blobDataPathSpec contains the path for the registry global blob store. For
// now, this contains layer data, exclusively.
type blobDataPathSpec struct {
	digest digest.Digest
}

func (blobDataPathSpec) pathSpec() {}

// uploadDataPathSpec defines the path parameters of the data file for
// uploads.
type uploadDataPathSpec struct {
	name string
	id   string
}

func (uploadDataPathSpec) pathSpec() {}

// uploadStartedAtPathSpec defines the path parameters for the file that
// stores the start time of an upload. If it is missing, the upload is
// unknown.
type uploadStartedAtPathSpec struct {
	name string
	id   string
}

func (uploadStartedAtPathSpec) pathSpec() {}

// uploadPathSpec defines the path parameters of the directory for a single
// upload session.
type uploadPathSpec struct {
	name string
	id   string
}

func (uploadPathSpec) pathSpec() {}

// uploadsPathSpec defines the path parameters of the directory holding all
// in-flight uploads of a repository.
type uploadsPathSpec struct {
	name string
}

func (uploadsPathSpec) pathSpec() {}

// repositoriesRootPathSpec returns the root of repositories
type repositoriesRootPathSpec struct{}

func (repositoriesRootPathSpec) pathSpec() {}

// repositoryPathSpec defines the path to a repository's directory.
type repositoryPathSpec struct {
	name string
}

func (repositoryPathSpec) pathSpec() {}

// digestPathComponents provides a consistent path breakdown for a given
// digest. For a generic digest, it will be as follows:
//
//	<algorithm>/<hex digest>
//
// If multilevel is true, the first two bytes of the digest will separate
// groups of digest folder. It will be as follows:
//
//	<algorithm>/<first two bytes of digest>/<full digest>
func digestPathComponents(dgst digest.Digest, multilevel bool) ([]string, error) {
	if err := dgst.Validate(); err != nil {
		return nil, err
	}

	algorithm := blobAlgorithmReplacer.Replace(string(dgst.Algorithm()))
	hex := dgst.Hex()
	prefix := []string{algorithm}

	var suffix []string

	if multilevel {
		suffix = append(suffix, hex[:2])
	}

	suffix = append(suffix, hex)

	return append(prefix, suffix...), nil
}

// blobAlgorithmReplacer does some very simple path sanitization for user
// input. Paths should be "safe" before getting this far due to strict digest
// requirements but we can add further path conversion here, if needed.
var blobAlgorithmReplacer = strings.NewReplacer(
	"+", "/",
	".", "/",
	";", "/",
)
