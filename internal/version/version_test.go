// ABOUTME: Tests for version constants
// ABOUTME: Ensures version information is properly defined
package version

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionFormat(t *testing.T) {
	assert.NotEmpty(t, Version)
	assert.Less(t, len(Version), 100)
	// Snapserver compares dotted versions, "dev" builds are tolerated
	assert.Regexp(t, regexp.MustCompile(`^(\d+\.\d+\.\d+.*|dev)$`), Version)
}

func TestProductFormat(t *testing.T) {
	assert.NotEmpty(t, Product)
	assert.Less(t, len(Product), 100)
}
