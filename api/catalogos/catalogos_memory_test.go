package catalogos

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCatalogLookups(t *testing.T) {
	c := NewMemoryCatalog()
	ctx := context.Background()

	ok, err := c.IsValidDepartment(ctx, "GUATEMALA")
	require.NoError(t, err)
	assert.True(t, ok)

	// two-digit code resolves to the same department
	ok, err = c.IsValidDepartment(ctx, "01")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.IsValidDepartment(ctx, "NARNIA")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCatalogMunicipalities(t *testing.T) {
	c := NewMemoryCatalog()
	ctx := context.Background()

	ok, err := c.IsValidMunicipality(ctx, "GUATEMALA", "MIXCO")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.IsValidMunicipality(ctx, "01", "MIXCO")
	require.NoError(t, err)
	assert.True(t, ok)

	// municipality of another department
	ok, err = c.IsValidMunicipality(ctx, "GUATEMALA", "COATEPEQUE")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = c.IsValidMunicipality(ctx, "NARNIA", "MIXCO")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCatalogAdd(t *testing.T) {
	c := NewMemoryCatalog()
	c.Add("17", "PETEN", "FLORES", "SAN BENITO")

	ok, err := c.IsValidMunicipality(context.Background(), "17", "FLORES")
	require.NoError(t, err)
	assert.True(t, ok)
}
