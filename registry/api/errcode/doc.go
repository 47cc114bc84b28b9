// Package errcode handles problem of transporting errors over HTTP in a
// structured envelope. Each error is registered with a descriptor carrying
// its wire value, default message and HTTP status code, so that handlers can
// accumulate typed errors and the transport layer can serialize them
// uniformly.
package errcode
