// Package provider defines the contract for external virtual try-on
// backends and the request/result types shared by all of them.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Category is the garment region a try-on targets.
type Category string

const (
	CategoryUpperBody Category = "upper_body"
	CategoryLowerBody Category = "lower_body"
	CategoryDress     Category = "dress"
)

// Valid reports whether the category is one the pipeline supports.
func (c Category) Valid() bool {
	switch c {
	case CategoryUpperBody, CategoryLowerBody, CategoryDress:
		return true
	}
	return false
}

// Request carries the two input images and the garment category.
type Request struct {
	PersonImage  []byte
	GarmentImage []byte
	Category     Category
}

// Validate checks the request is complete enough to send anywhere.
func (r Request) Validate() error {
	if len(r.PersonImage) == 0 {
		return errors.New("provider: person image required")
	}
	if len(r.GarmentImage) == 0 {
		return errors.New("provider: garment image required")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("provider: unsupported category %q", r.Category)
	}
	return nil
}

// ContentHash digests the exact bytes of both input images. The ledger uses
// it as an opaque equality key for refit detection; it is not a security
// primitive.
func (r Request) ContentHash() string {
	h := sha256.New()
	h.Write(r.PersonImage)
	h.Write(r.GarmentImage)
	return hex.EncodeToString(h.Sum(nil))
}

// Result is a completed try-on composite.
type Result struct {
	// ImageDataURI is the composite encoded as a data: URI, ready for the
	// browser. Providers that return hosted URLs download and re-encode.
	ImageDataURI string
	// Method names the backend that produced the image, for diagnostics.
	Method string
}

// Provider produces a try-on composite from a request, or fails.
type Provider interface {
	// Name identifies the provider in logs and results.
	Name() string
	// TryOn runs one generation. Implementations do all their network work
	// inside ctx and return an error rather than a partial result.
	TryOn(ctx context.Context, req Request) (Result, error)
}
