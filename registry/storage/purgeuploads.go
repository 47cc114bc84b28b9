package storage

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/quayside/registry/internal/dcontext"
	storagedriver "github.com/quayside/registry/registry/storage/driver"
)

// uploadData stored the location of temporary files created during a layer
// upload along with the date the upload was started
type uploadData struct {
	containingDir string
	startedAt     time.Time
}

func newUploadData() uploadData {
	return uploadData{
		containingDir: "",
		// default to far in future to protect against missing startedat
		startedAt: time.Now().Add(10000 * time.Hour),
	}
}

// PurgeUploads deletes files from the upload directory
// created before olderThan. The list of files deleted and errors
// encountered are returned
func PurgeUploads(ctx context.Context, driver storagedriver.StorageDriver, olderThan time.Time, actuallyDelete bool) ([]string, []error) {
	logger := dcontext.GetLogger(ctx)
	logger.Infof("PurgeUploads starting: olderThan=%s, actuallyDelete=%t", olderThan, actuallyDelete)

	uploadData, errors := getOutstandingUploads(ctx, driver)
	var deleted []string
	for _, uploadData := range uploadData {
		if uploadData.startedAt.Before(olderThan) {
			var err error
			logger.Infof("Upload files in %s have older date (%s) than purge date (%s). Removing upload directory.",
				uploadData.containingDir, uploadData.startedAt, olderThan)
			if actuallyDelete {
				err = driver.Delete(ctx, uploadData.containingDir)
			}
			if err == nil {
				deleted = append(deleted, uploadData.containingDir)
			} else {
				errors = append(errors, err)
			}
		}
	}

	logger.Infof("Purge uploads finished. Num deleted=%d, num errors=%d", len(deleted), len(errors))
	return deleted, errors
}

// getOutstandingUploads walks the upload directories of each repository,
// collecting the session directories and their start times.
func getOutstandingUploads(ctx context.Context, driver storagedriver.StorageDriver) (map[string]uploadData, []error) {
	var errors []error
	uploads := make(map[string]uploadData)

	root, err := pathFor(repositoriesRootPathSpec{})
	if err != nil {
		return uploads, append(errors, err)
	}

	var walk func(dir string)
	walk = func(dir string) {
		entries, err := driver.List(ctx, dir)
		if err != nil {
			switch err.(type) {
			case storagedriver.PathNotFoundError:
				// nothing to do
			default:
				errors = append(errors, err)
			}
			return
		}

		for _, entry := range entries {
			base := path.Base(entry)

			if base == "_uploads" {
				sessions, err := driver.List(ctx, entry)
				if err != nil {
					errors = append(errors, err)
					continue
				}

				for _, session := range sessions {
					ud := newUploadData()
					ud.containingDir = session

					startedAtBytes, err := driver.GetContent(ctx, path.Join(session, "startedat"))
					if err == nil {
						startedAt, err := time.Parse(time.RFC3339, string(startedAtBytes))
						if err == nil {
							ud.startedAt = startedAt
						} else {
							errors = append(errors, err)
						}
					} else if _, ok := err.(storagedriver.PathNotFoundError); !ok {
						errors = append(errors, err)
					}

					uploads[session] = ud
				}

				continue
			}

			// Skip the other repository metadata directories; only nested
			// repository names can contain more uploads.
			if strings.HasPrefix(base, "_") {
				continue
			}

			walk(entry)
		}
	}

	walk(root)

	return uploads, errors
}
