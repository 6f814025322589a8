//go:build !ibverbs

package verbs

import (
	"errors"
	"testing"
)

func TestLoadWithoutNativeSupport(t *testing.T) {
	lib, err := Load()
	if lib != nil {
		t.Fatalf("expected nil table without ibverbs tag, got %T", lib)
	}
	if !errors.Is(err, ErrNotBuilt) {
		t.Fatalf("expected ErrNotBuilt, got %v", err)
	}
}
