// Package registry defines the interfaces that compose an OCI distribution
// registry: content-addressed blob storage, manifest storage with tag
// indirection and repository namespacing. The registry/storage package
// provides the canonical implementation over a storage driver, while
// registry/handlers exposes the HTTP protocol surface.
package registry
