package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/quayside/registry"
	"github.com/quayside/registry/internal/dcontext"
	"github.com/quayside/registry/registry/api/errcode"
	"github.com/quayside/registry/registry/storage"
)

// blobUploadDispatcher constructs and returns the blob upload handler for the
// given request context.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	buh := &blobUploadHandler{
		Context: ctx,
		UUID:    getUploadUUID(ctx),
	}

	handler := handlers.MethodHandler{
		http.MethodGet:  http.HandlerFunc(buh.GetUploadStatus),
		http.MethodHead: http.HandlerFunc(buh.GetUploadStatus),
	}

	if !ctx.readOnly {
		handler[http.MethodPost] = http.HandlerFunc(buh.StartBlobUpload)
		handler[http.MethodPatch] = http.HandlerFunc(buh.PatchBlobData)
		handler[http.MethodPut] = http.HandlerFunc(buh.PutBlobUploadComplete)
		handler[http.MethodDelete] = http.HandlerFunc(buh.CancelBlobUpload)
	}

	if buh.UUID != "" {
		if h := buh.ResumeBlobUpload(ctx, r); h != nil {
			return h
		}
		return closeResources(handler, buh.Upload)
	}

	return handler
}

// blobUploadHandler handles the http blob upload process.
type blobUploadHandler struct {
	*Context

	// UUID identifies the upload instance for the current request. Using
	// UUID to key blob writers since this implementation uses UUIDs.
	UUID string

	Upload registry.BlobWriter
}

// StartBlobUpload begins the blob upload process and allocates a server-side
// blob writer session, optionally mounting the blob from a separate
// repository or, when a digest is supplied with the request body, completing
// the whole upload in a single round trip.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	var options []registry.BlobCreateOption

	fromRepo := r.FormValue("from")
	mountDigest := r.FormValue("mount")

	if mountDigest != "" && fromRepo != "" {
		opt, err := buh.createBlobMountOption(fromRepo, mountDigest)
		if opt != nil && err == nil {
			options = append(options, opt)
		}
	}

	blobs := buh.Repository.Blobs(buh)
	upload, err := blobs.Create(buh, options...)
	if err != nil {
		if ebm, ok := err.(registry.ErrBlobMounted); ok {
			if err := buh.writeBlobCreatedHeaders(w, ebm.Descriptor); err != nil {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
		} else if repoErr, ok := err.(registry.ErrRepositoryUnknown); ok {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(repoErr))
		} else if err == registry.ErrUnsupported {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnsupported)
		} else {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		}
		return
	}

	buh.Upload = upload

	// A monolithic upload carries the digest in the query and the full blob
	// in the body; receive and commit in one request.
	if dgstStr := r.FormValue("digest"); dgstStr != "" {
		buh.completeUpload(w, r, dgstStr, true)
		return
	}

	if err := buh.blobUploadResponse(w, r); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Docker-Upload-UUID", buh.Upload.ID())
	w.WriteHeader(http.StatusAccepted)
}

// GetUploadStatus returns the status of a given upload, identified by id.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	if buh.Upload == nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown)
		return
	}

	if err := buh.blobUploadResponse(w, r); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	w.WriteHeader(http.StatusNoContent)
}

// PatchBlobData writes data to an upload. Chunks must carry a Content-Range
// that continues the bytes accumulated so far.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	if buh.Upload == nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown)
		return
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/octet-stream" {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(fmt.Errorf("bad Content-Type")))
		return
	}

	cr := r.Header.Get("Content-Range")
	if cr == "" {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail("Content-Range header required on chunk upload"))
		return
	}

	start, end, err := parseContentRange(cr)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err.Error()))
		return
	}

	if start > end || start != buh.Upload.Size() {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadOutOfOrder.WithDetail(fmt.Sprintf("chunk range %d-%d does not continue offset %d", start, end, buh.Upload.Size())))
		return
	}

	if r.ContentLength > 0 && r.ContentLength != (end-start)+1 {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadOutOfOrder.WithDetail(fmt.Sprintf("chunk range %d-%d does not match content length %d", start, end, r.ContentLength)))
		return
	}

	if err := copyFullPayload(buh.Context, w, r, buh.Upload, buh.Config.MaxBlobUploadChunkBytes(), "blob PATCH"); err != nil {
		if err == errContentTooLarge {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail("chunk exceeds maximum size"))
		} else {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err.Error()))
		}
		return
	}

	if buh.Upload.Size() != end+1 {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadOutOfOrder.WithDetail(fmt.Sprintf("chunk body ended at offset %d, expected %d", buh.Upload.Size(), end+1)))
		return
	}

	if err := buh.blobUploadResponse(w, r); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// PutBlobUploadComplete takes the final request of a blob upload. The
// request may include all the blob data or no blob data. Any data
// provided is received and verified. If successful, the blob is linked
// into the blob store and 201 Created is returned with the canonical
// url of the blob.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	if buh.Upload == nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown)
		return
	}

	dgstStr := r.FormValue("digest") // TODO(stevvooe): Support multiple digest parameters!
	if dgstStr == "" {
		// no digest? return error, but allow retry.
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail("digest missing"))
		return
	}

	if cr := r.Header.Get("Content-Range"); cr != "" {
		start, end, err := parseContentRange(cr)
		if err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err.Error()))
			return
		}
		if start > end || start != buh.Upload.Size() {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadOutOfOrder.WithDetail(fmt.Sprintf("final chunk range %d-%d does not continue offset %d", start, end, buh.Upload.Size())))
			return
		}
	}

	buh.completeUpload(w, r, dgstStr, false)
}

// completeUpload receives any remaining body bytes and commits the upload
// against the claimed digest. The fresh argument indicates a monolithic POST
// upload for error reporting purposes.
func (buh *blobUploadHandler) completeUpload(w http.ResponseWriter, r *http.Request, dgstStr string, fresh bool) {
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail("digest parsing failed"))
		return
	}

	if r.ContentLength != 0 {
		if err := copyFullPayload(buh.Context, w, r, buh.Upload, buh.Config.MaxBlobUploadChunkBytes(), "blob PUT"); err != nil {
			if err == errContentTooLarge {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail("payload exceeds maximum chunk size"))
			} else {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err.Error()))
			}
			return
		}
	}

	desc, err := buh.Upload.Commit(buh, registry.Descriptor{
		Digest: dgst,
	})
	if err != nil {
		switch err := err.(type) {
		case registry.ErrBlobInvalidDigest:
			// The session is left intact; the client may retry the commit
			// with the correct digest.
			buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(err))
		case errcode.Error:
			buh.Errors = append(buh.Errors, err)
		default:
			switch err {
			case registry.ErrAccessDenied:
				buh.Errors = append(buh.Errors, errcode.ErrorCodeDenied)
			case registry.ErrUnsupported:
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnsupported)
			case registry.ErrBlobUploadUnknown:
				buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown)
			case registry.ErrBlobInvalidLength, registry.ErrBlobDigestUnsupported:
				buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadInvalid.WithDetail(err))
			default:
				dcontext.GetLogger(buh).Errorf("unknown error completing upload: %v", err)
				buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			}
		}

		return
	}

	if err := buh.writeBlobCreatedHeaders(w, desc); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}
}

// CancelBlobUpload cancels an in-progress upload of a blob.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	if buh.Upload == nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown)
		return
	}

	w.Header().Set("Docker-Upload-UUID", buh.UUID)
	if err := buh.Upload.Cancel(buh); err != nil {
		dcontext.GetLogger(buh).Errorf("error encountered canceling upload: %v", err)
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ResumeBlobUpload resolves the upload session named in the URL against the
// storage backend. A non-nil handler return indicates an error response.
func (buh *blobUploadHandler) ResumeBlobUpload(ctx *Context, r *http.Request) http.Handler {
	blobs := ctx.Repository.Blobs(buh)
	upload, err := blobs.Resume(buh, buh.UUID)
	if err != nil {
		dcontext.GetLogger(ctx).Errorf("error resolving upload: %v", err)
		if err == registry.ErrBlobUploadUnknown {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown.WithDetail(err))
			})
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
		})
	}
	buh.Upload = upload

	return nil
}

// blobUploadResponse provides a standard request for uploading blobs and
// chunk responses. This sets the correct headers but the response status is
// left to the caller.
func (buh *blobUploadHandler) blobUploadResponse(w http.ResponseWriter, r *http.Request) error {
	uploadURL, err := buh.urlBuilder.BuildBlobUploadChunkURL(
		buh.Repository.Named(), buh.Upload.ID())
	if err != nil {
		dcontext.GetLogger(buh).Infof("error building upload url: %s", err)
		return err
	}

	endRange := buh.Upload.Size()
	if endRange > 0 {
		endRange = endRange - 1
	}

	w.Header().Set("Docker-Upload-UUID", buh.Upload.ID())
	w.Header().Set("Location", uploadURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Range", fmt.Sprintf("0-%d", endRange))

	return nil
}

// createBlobMountOption constructs the mount option for a cross repository
// blob mount request.
func (buh *blobUploadHandler) createBlobMountOption(fromRepo, mountDigest string) (registry.BlobCreateOption, error) {
	dgst, err := digest.Parse(mountDigest)
	if err != nil {
		return nil, err
	}

	return storage.WithMountFrom(fromRepo, dgst), nil
}

// writeBlobCreatedHeaders writes the standard headers describing a newly
// created blob. A 201 Created is written as well as the canonical URL and
// blob digest.
func (buh *blobUploadHandler) writeBlobCreatedHeaders(w http.ResponseWriter, desc registry.Descriptor) error {
	blobURL, err := buh.urlBuilder.BuildBlobURL(buh.Repository.Named(), desc.Digest)
	if err != nil {
		return err
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set("Content-Length", "0")
	w.Header().Set("Docker-Content-Digest", desc.Digest.String())
	w.WriteHeader(http.StatusCreated)
	return nil
}
