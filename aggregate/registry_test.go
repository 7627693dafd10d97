package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/tally_errors"
)

func TestRegistryTagsAreStable(t *testing.T) {
	reg := NewRegistry()
	seen := map[byte]string{}
	for _, d := range reg.Defs() {
		prev, dup := seen[d.Tag]
		require.Falsef(t, dup, "tag 0x%02x assigned to %s and %s", d.Tag, prev, d.Name)
		seen[d.Tag] = d.Name
		assert.True(t, d.Table.Valid(), d.Name)
		require.NotNil(t, d.Namespace, d.Name)
	}
	assert.Len(t, reg.Defs(), 19)
}

func TestRegistryLookups(t *testing.T) {
	reg := NewRegistry()
	d, err := reg.ByName("bookmarks_by_user")
	require.NoError(t, err)
	assert.Equal(t, record.Bookmarks, d.Table)

	_, err = reg.ByName("no_such_counter")
	assert.ErrorIs(t, err, tally_errors.ErrAggUnknown)

	for _, d := range reg.ByCategory(Random) {
		assert.Nil(t, d.SortKey, d.Name)
		assert.Equal(t, record.Questions, d.Table)
	}
	assert.Len(t, reg.ByCategory(Random), 3)

	// Every stat aggregate needs the answered flag at least.
	for _, d := range reg.ByTable(record.Stats) {
		assert.Equal(t, User, d.Category, d.Name)
		require.NotNil(t, d.Applies, d.Name)
	}
	assert.Len(t, reg.ByTable(record.Stats), 8)
}
