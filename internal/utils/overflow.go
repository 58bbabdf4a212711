package utils

import (
	"fmt"
	"math"
)

// CheckMultiplyOverflow reports whether a*b would overflow uint64.
func CheckMultiplyOverflow(a, b uint64) error {
	if a == 0 || b == 0 {
		return nil
	}
	if a > math.MaxUint64/b {
		return fmt.Errorf("multiplication overflow: %d * %d exceeds uint64 max", a, b)
	}
	return nil
}

// SafeMultiply multiplies two uint64 values, failing instead of wrapping.
func SafeMultiply(a, b uint64) (uint64, error) {
	if err := CheckMultiplyOverflow(a, b); err != nil {
		return 0, err
	}
	return a * b, nil
}

// SafeAdd adds two uint64 values, failing instead of wrapping. Used when
// summing page or heap allocation offsets against a page/page-interval
// boundary, where a wrapped sum would otherwise look like a valid offset.
func SafeAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, fmt.Errorf("addition overflow: %d + %d exceeds uint64 max", a, b)
	}
	return a + b, nil
}

// ValidateSize checks that size is non-zero and within max, returning an
// error that names the field for callers validating allocation requests.
func ValidateSize(size, maxSize uint64, description string) error {
	if size == 0 {
		return fmt.Errorf("%s: size cannot be zero", description)
	}
	if size > maxSize {
		return fmt.Errorf("%s: size %d exceeds maximum %d", description, size, maxSize)
	}
	return nil
}

// AlignUp rounds size up to the next multiple of align (align must be a
// power of two). Used to compute on-disk block sizes (64-byte slots) and
// aligned allocation offsets (512-byte sectors).
func AlignUp(size, align uint64) uint64 {
	return (size + align - 1) &^ (align - 1)
}
