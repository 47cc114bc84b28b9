// Package inmemory provides a volatile storage driver keeping all data in
// process memory. It is intended for use in testing and development; contents
// are lost when the process exits.
package inmemory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	storagedriver "github.com/quayside/registry/registry/storage/driver"
	"github.com/quayside/registry/registry/storage/driver/base"
	"github.com/quayside/registry/registry/storage/driver/factory"
)

const driverName = "inmemory"

func init() {
	factory.Register(driverName, &inMemoryDriverFactory{})
}

// inMemoryDriverFactory implements the factory.StorageDriverFactory interface.
type inMemoryDriverFactory struct{}

func (factory *inMemoryDriverFactory) Create(parameters map[string]interface{}) (storagedriver.StorageDriver, error) {
	return New(), nil
}

type file struct {
	data    []byte
	modtime time.Time
}

type driver struct {
	mutex sync.RWMutex
	files map[string]*file
}

// baseEmbed allows us to hide the Base embed.
type baseEmbed struct {
	base.Base
}

// Driver is a storagedriver.StorageDriver implementation backed by a local
// map. Intended solely for example and testing purposes.
type Driver struct {
	baseEmbed // embedded, hidden base implementation.
}

var _ storagedriver.StorageDriver = &Driver{}

// New constructs a new Driver.
func New() *Driver {
	return &Driver{
		baseEmbed: baseEmbed{
			Base: base.Base{
				StorageDriver: &driver{
					files: make(map[string]*file),
				},
			},
		},
	}
}

// Implement the storagedriver.StorageDriver interface.

func (d *driver) Name() string {
	return driverName
}

// GetContent retrieves the content stored at "path" as a []byte.
func (d *driver) GetContent(ctx context.Context, p string) ([]byte, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	f, ok := d.files[p]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: p, DriverName: driverName}
	}

	buf := make([]byte, len(f.data))
	copy(buf, f.data)

	return buf, nil
}

// PutContent stores the []byte content at a location designated by "path".
func (d *driver) PutContent(ctx context.Context, p string, contents []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.put(p, contents)

	return nil
}

// put writes contents at path, assuming the caller holds the write lock.
func (d *driver) put(p string, contents []byte) {
	buf := make([]byte, len(contents))
	copy(buf, contents)

	d.files[p] = &file{data: buf, modtime: time.Now()}
}

// Reader retrieves an io.ReadCloser for the content stored at "path" with a
// given byte offset.
func (d *driver) Reader(ctx context.Context, p string, offset int64) (io.ReadCloser, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	f, ok := d.files[p]
	if !ok {
		return nil, storagedriver.PathNotFoundError{Path: p, DriverName: driverName}
	}

	if offset > int64(len(f.data)) {
		return nil, storagedriver.InvalidOffsetError{Path: p, Offset: offset, DriverName: driverName}
	}

	return io.NopCloser(bytes.NewReader(f.data[offset:])), nil
}

// Writer returns a FileWriter which will store the content written to it at
// the location designated by "path" after the call to Commit.
func (d *driver) Writer(ctx context.Context, p string, append bool) (storagedriver.FileWriter, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var buf []byte
	if append {
		if f, ok := d.files[p]; ok {
			buf = make([]byte, len(f.data))
			copy(buf, f.data)
		}
	}

	return &writer{
		d:    d,
		path: p,
		buf:  buf,
	}, nil
}

// Stat returns info about the provided path.
func (d *driver) Stat(ctx context.Context, p string) (storagedriver.FileInfo, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if f, ok := d.files[p]; ok {
		return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
			Path:    p,
			Size:    int64(len(f.data)),
			ModTime: f.modtime,
		}}, nil
	}

	// A path is a directory when any file lives beneath it.
	var modtime time.Time
	found := p == "/"
	for fp, f := range d.files {
		if strings.HasPrefix(fp, strings.TrimSuffix(p, "/")+"/") {
			found = true
			if f.modtime.After(modtime) {
				modtime = f.modtime
			}
		}
	}

	if !found {
		return nil, storagedriver.PathNotFoundError{Path: p, DriverName: driverName}
	}

	return storagedriver.FileInfoInternal{FileInfoFields: storagedriver.FileInfoFields{
		Path:    p,
		ModTime: modtime,
		IsDir:   true,
	}}, nil
}

// List returns a list of the objects that are direct descendants of the
// given path.
func (d *driver) List(ctx context.Context, p string) ([]string, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	prefix := strings.TrimSuffix(p, "/") + "/"
	if p == "/" {
		prefix = "/"
	}

	childSet := make(map[string]struct{})
	for fp := range d.files {
		if !strings.HasPrefix(fp, prefix) {
			continue
		}

		rest := strings.TrimPrefix(fp, prefix)
		if rest == "" {
			continue
		}

		child, _, _ := strings.Cut(rest, "/")
		childSet[prefix+child] = struct{}{}
	}

	if len(childSet) == 0 {
		if _, ok := d.files[p]; !ok && p != "/" {
			return nil, storagedriver.PathNotFoundError{Path: p, DriverName: driverName}
		}
	}

	children := make([]string, 0, len(childSet))
	for child := range childSet {
		children = append(children, child)
	}

	sort.Strings(children)
	return children, nil
}

// Move moves an object stored at sourcePath to destPath, removing the
// original object.
func (d *driver) Move(ctx context.Context, sourcePath string, destPath string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	f, ok := d.files[sourcePath]
	if !ok {
		return storagedriver.PathNotFoundError{Path: sourcePath, DriverName: driverName}
	}

	delete(d.files, sourcePath)
	d.files[destPath] = &file{data: f.data, modtime: time.Now()}

	return nil
}

// Delete recursively deletes all objects stored at "path" and its subpaths.
func (d *driver) Delete(ctx context.Context, p string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	prefix := strings.TrimSuffix(p, "/") + "/"

	var found bool
	for fp := range d.files {
		if fp == p || strings.HasPrefix(fp, prefix) {
			delete(d.files, fp)
			found = true
		}
	}

	if !found {
		return storagedriver.PathNotFoundError{Path: p, DriverName: driverName}
	}

	return nil
}

// writer buffers written bytes until Commit, when the accumulated content
// becomes visible at path.
type writer struct {
	d         *driver
	path      string
	buf       []byte
	closed    bool
	committed bool
	cancelled bool
}

var _ storagedriver.FileWriter = &writer{}

func (w *writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, fmt.Errorf("already closed")
	} else if w.committed {
		return 0, fmt.Errorf("already committed")
	} else if w.cancelled {
		return 0, fmt.Errorf("already cancelled")
	}

	w.buf = append(w.buf, p...)

	return len(p), nil
}

func (w *writer) Size() int64 {
	return int64(len(w.buf))
}

func (w *writer) Close() error {
	if w.closed {
		return fmt.Errorf("already closed")
	}
	w.closed = true

	// Flush what has been written so the upload can be resumed by a later
	// request.
	if !w.committed && !w.cancelled {
		w.d.mutex.Lock()
		w.d.put(w.path, w.buf)
		w.d.mutex.Unlock()
	}

	return nil
}

func (w *writer) Cancel(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	}
	w.cancelled = true

	w.d.mutex.Lock()
	defer w.d.mutex.Unlock()

	delete(w.d.files, w.path)

	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.closed {
		return fmt.Errorf("already closed")
	} else if w.committed {
		return fmt.Errorf("already committed")
	} else if w.cancelled {
		return fmt.Errorf("already cancelled")
	}
	w.committed = true

	w.d.mutex.Lock()
	defer w.d.mutex.Unlock()

	w.d.put(w.path, w.buf)

	return nil
}
