// Package testsuites provides a common test suite for storage driver
// implementations.
package testsuites

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"sort"
	"testing"

	storagedriver "github.com/quayside/registry/registry/storage/driver"
)

// Driver runs the storage driver test suite against the provided driver
// constructor.
func Driver(t *testing.T, newDriver func(t *testing.T) storagedriver.StorageDriver) {
	t.Run("PutGetContent", func(t *testing.T) { testPutGetContent(t, newDriver(t)) })
	t.Run("ReaderOffset", func(t *testing.T) { testReaderOffset(t, newDriver(t)) })
	t.Run("WriterAppend", func(t *testing.T) { testWriterAppend(t, newDriver(t)) })
	t.Run("StatCall", func(t *testing.T) { testStatCall(t, newDriver(t)) })
	t.Run("MoveExisting", func(t *testing.T) { testMoveExisting(t, newDriver(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newDriver(t)) })
	t.Run("List", func(t *testing.T) { testList(t, newDriver(t)) })
	t.Run("PathNotFound", func(t *testing.T) { testPathNotFound(t, newDriver(t)) })
}

func randomContents(length int64) []byte {
	b := make([]byte, length)
	rand.Read(b)
	return b
}

func testPutGetContent(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	filename := "/test/put/content"
	contents := randomContents(1024)

	if err := d.PutContent(ctx, filename, contents); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	readContents, err := d.GetContent(ctx, filename)
	if err != nil {
		t.Fatalf("unexpected error getting content: %v", err)
	}

	if !bytes.Equal(contents, readContents) {
		t.Fatal("read contents do not match written contents")
	}

	// overwrite and re-read
	contents = randomContents(2048)
	if err := d.PutContent(ctx, filename, contents); err != nil {
		t.Fatalf("unexpected error overwriting content: %v", err)
	}

	readContents, err = d.GetContent(ctx, filename)
	if err != nil {
		t.Fatalf("unexpected error getting overwritten content: %v", err)
	}

	if !bytes.Equal(contents, readContents) {
		t.Fatal("read contents do not match overwritten contents")
	}
}

func testReaderOffset(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	filename := "/test/reader/offset"
	contents := []byte("0123456789")

	if err := d.PutContent(ctx, filename, contents); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	rc, err := d.Reader(ctx, filename, 4)
	if err != nil {
		t.Fatalf("unexpected error opening reader: %v", err)
	}
	defer rc.Close()

	read, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("unexpected error reading: %v", err)
	}

	if string(read) != "456789" {
		t.Fatalf("unexpected content at offset: %q", string(read))
	}

	if _, err := d.Reader(ctx, filename, int64(len(contents))+1); err == nil {
		t.Fatal("expected error reading past end of file")
	}
}

func testWriterAppend(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	filename := "/test/writer/append"

	writer, err := d.Writer(ctx, filename, false)
	if err != nil {
		t.Fatalf("unexpected error opening writer: %v", err)
	}

	if _, err := writer.Write([]byte("hello, ")); err != nil {
		t.Fatalf("unexpected error writing: %v", err)
	}

	if writer.Size() != 7 {
		t.Fatalf("unexpected writer size: %d", writer.Size())
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("unexpected error closing writer: %v", err)
	}

	// resume with append
	writer, err = d.Writer(ctx, filename, true)
	if err != nil {
		t.Fatalf("unexpected error reopening writer: %v", err)
	}

	if writer.Size() != 7 {
		t.Fatalf("unexpected resumed writer size: %d", writer.Size())
	}

	if _, err := writer.Write([]byte("world")); err != nil {
		t.Fatalf("unexpected error appending: %v", err)
	}

	if err := writer.Commit(ctx); err != nil {
		t.Fatalf("unexpected error committing: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("unexpected error closing writer: %v", err)
	}

	contents, err := d.GetContent(ctx, filename)
	if err != nil {
		t.Fatalf("unexpected error getting content: %v", err)
	}

	if string(contents) != "hello, world" {
		t.Fatalf("unexpected content: %q", string(contents))
	}
}

func testStatCall(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	filename := "/test/stat/dir/file"
	contents := randomContents(512)

	if err := d.PutContent(ctx, filename, contents); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	fi, err := d.Stat(ctx, filename)
	if err != nil {
		t.Fatalf("unexpected error statting file: %v", err)
	}

	if fi.IsDir() {
		t.Fatal("file misreported as directory")
	}

	if fi.Size() != 512 {
		t.Fatalf("unexpected file size: %d", fi.Size())
	}

	if fi.Path() != filename {
		t.Fatalf("unexpected path: %q", fi.Path())
	}

	di, err := d.Stat(ctx, "/test/stat/dir")
	if err != nil {
		t.Fatalf("unexpected error statting directory: %v", err)
	}

	if !di.IsDir() {
		t.Fatal("directory misreported as file")
	}
}

func testMoveExisting(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()
	source := "/test/move/source"
	dest := "/test/move/dest/nested"
	contents := randomContents(32)

	if err := d.PutContent(ctx, source, contents); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	if err := d.Move(ctx, source, dest); err != nil {
		t.Fatalf("unexpected error moving: %v", err)
	}

	received, err := d.GetContent(ctx, dest)
	if err != nil {
		t.Fatalf("unexpected error getting moved content: %v", err)
	}

	if !bytes.Equal(contents, received) {
		t.Fatal("moved content does not match")
	}

	if _, err := d.GetContent(ctx, source); err == nil {
		t.Fatal("expected source to be gone after move")
	}
}

func testDelete(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	for _, filename := range []string{
		"/test/delete/a",
		"/test/delete/sub/b",
		"/test/keep/c",
	} {
		if err := d.PutContent(ctx, filename, randomContents(16)); err != nil {
			t.Fatalf("unexpected error putting content: %v", err)
		}
	}

	if err := d.Delete(ctx, "/test/delete"); err != nil {
		t.Fatalf("unexpected error deleting: %v", err)
	}

	for _, filename := range []string{"/test/delete/a", "/test/delete/sub/b"} {
		if _, err := d.GetContent(ctx, filename); err == nil {
			t.Fatalf("expected %q to be deleted", filename)
		}
	}

	if _, err := d.GetContent(ctx, "/test/keep/c"); err != nil {
		t.Fatalf("expected sibling to survive delete: %v", err)
	}
}

func testList(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	expected := []string{"/test/list/a", "/test/list/b", "/test/list/c"}
	for _, filename := range expected {
		if err := d.PutContent(ctx, filename, randomContents(8)); err != nil {
			t.Fatalf("unexpected error putting content: %v", err)
		}
	}

	// nested file should appear as its directory
	if err := d.PutContent(ctx, "/test/list/d/nested", randomContents(8)); err != nil {
		t.Fatalf("unexpected error putting content: %v", err)
	}

	keys, err := d.List(ctx, "/test/list")
	if err != nil {
		t.Fatalf("unexpected error listing: %v", err)
	}

	sort.Strings(keys)
	wanted := append(expected, "/test/list/d")
	sort.Strings(wanted)

	if len(keys) != len(wanted) {
		t.Fatalf("unexpected list result: %v", keys)
	}
	for i := range wanted {
		if keys[i] != wanted[i] {
			t.Fatalf("unexpected list result: %v != %v", keys, wanted)
		}
	}
}

func testPathNotFound(t *testing.T, d storagedriver.StorageDriver) {
	ctx := context.Background()

	if _, err := d.GetContent(ctx, "/test/nonexistent"); err == nil {
		t.Fatal("expected error getting nonexistent path")
	} else if !errorIsPathNotFound(err) {
		t.Fatalf("expected PathNotFoundError, got %v", err)
	}

	if _, err := d.Reader(ctx, "/test/nonexistent", 0); !errorIsPathNotFound(err) {
		t.Fatalf("expected PathNotFoundError, got %v", err)
	}

	if _, err := d.Stat(ctx, "/test/nonexistent"); !errorIsPathNotFound(err) {
		t.Fatalf("expected PathNotFoundError, got %v", err)
	}

	if err := d.Move(ctx, "/test/nonexistent", "/test/dest"); !errorIsPathNotFound(err) {
		t.Fatalf("expected PathNotFoundError, got %v", err)
	}

	if err := d.Delete(ctx, "/test/nonexistent"); !errorIsPathNotFound(err) {
		t.Fatalf("expected PathNotFoundError, got %v", err)
	}
}

func errorIsPathNotFound(err error) bool {
	_, ok := err.(storagedriver.PathNotFoundError)
	return ok
}
