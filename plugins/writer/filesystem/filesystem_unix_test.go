//go:build !windows

package filesystem

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"llmrefine/pkg/contract"
)

// TestMapPathInvalidUnix 有 Root 时拒绝绝对与越界路径
func TestMapPathInvalidUnix(t *testing.T) {
	w, _ := New(&Options{Root: t.TempDir()})
	for _, id := range []string{"/abs", "..", "."} {
		_, err := w.mapPath(contract.ArtifactID(id))
		assert.ErrorIs(t, err, contract.ErrPathInvalid, "id %s", id)
	}
}
