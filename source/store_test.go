package source

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medprepa/tally/record"
	"github.com/medprepa/tally/tally_errors"
	testutils "github.com/medprepa/tally/test_utils"
)

func openStore(t *testing.T) (*testutils.Env, *Store) {
	env := testutils.OpenEnv(t)
	st, err := NewStore(env)
	require.NoError(t, err)
	return env, st
}

func TestAppendAssignsSequences(t *testing.T) {
	env, st := openStore(t)
	for i := 1; i <= 3; i++ {
		q := &record.Question{Tenant: 1, Code: "Q"}
		id, err := st.Append(env.DB, q)
		require.NoError(t, err)
		assert.Equal(t, record.ID(i), id)
		assert.Equal(t, id, q.ID)
	}
	assert.Equal(t, record.ID(3), st.LastSeq(record.Questions))
	// Other tables keep their own sequences.
	u := &record.User{Tenant: 1, Name: "ana"}
	id, err := st.Append(env.DB, u)
	require.NoError(t, err)
	assert.Equal(t, record.ID(1), id)
}

func TestSequenceRecovery(t *testing.T) {
	env, st := openStore(t)
	for i := 0; i < 5; i++ {
		_, err := st.Append(env.DB, &record.Theme{Tenant: 1, Name: "t"})
		require.NoError(t, err)
	}
	st2, err := NewStore(env)
	require.NoError(t, err)
	assert.Equal(t, record.ID(5), st2.LastSeq(record.Themes))
	id, err := st2.Append(env.DB, &record.Theme{Tenant: 1, Name: "t6"})
	require.NoError(t, err)
	assert.Equal(t, record.ID(6), id)
}

func TestStatLocator(t *testing.T) {
	env, st := openStore(t)
	s := &record.Stat{User: 7, Question: 9, Answered: true, When: time.UnixMilli(1000).UTC()}
	id, err := st.Append(env.DB, s)
	require.NoError(t, err)

	got, err := st.StatByUserQuestion(7, 9)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.True(t, got.Answered)

	// Upsert under the same id.
	got.Incorrect = true
	require.NoError(t, st.Put(env.DB, got))
	again, err := st.StatByUserQuestion(7, 9)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
	assert.True(t, again.Incorrect)

	_, err = st.StatByUserQuestion(7, 10)
	assert.ErrorIs(t, err, tally_errors.ErrRowUnknown)

	require.NoError(t, st.DeleteRow(env.DB, again))
	_, err = st.StatByUserQuestion(7, 9)
	assert.ErrorIs(t, err, tally_errors.ErrRowUnknown)
}

func TestGetUnknownRow(t *testing.T) {
	_, st := openStore(t)
	_, err := st.Get(nil, record.Questions, 404)
	assert.ErrorIs(t, err, tally_errors.ErrRowUnknown)
}

func TestScanBatchVisitsEveryRowOnce(t *testing.T) {
	env, st := openStore(t)
	const k = 23
	for i := 0; i < k; i++ {
		_, err := st.Append(env.DB, &record.Question{Tenant: 1, Code: "Q"})
		require.NoError(t, err)
	}
	ctx := context.Background()
	for _, batch := range []int{1, 5, 17, k, k + 10} {
		seen := map[record.ID]int{}
		cur := Cursor{Table: record.Questions}
		steps := 0
		for {
			rows, next, done, err := st.ScanBatch(ctx, nil, cur, batch)
			require.NoError(t, err)
			for _, row := range rows {
				seen[row.RowID()]++
			}
			steps++
			require.Less(t, steps, 2*k+2, "scan does not terminate")
			cur = next
			if done {
				break
			}
		}
		assert.Len(t, seen, k, "batch size %d", batch)
		for id, n := range seen {
			assert.Equal(t, 1, n, "row %s visited %d times at batch size %d", id, n, batch)
		}
	}
}

func TestScanBatchBudgetExpiry(t *testing.T) {
	env, st := openStore(t)
	_, err := st.Append(env.DB, &record.Question{Tenant: 1})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rows, next, done, err := st.ScanBatch(ctx, nil, Cursor{Table: record.Questions}, 10)
	assert.NoError(t, err)
	assert.Empty(t, rows)
	assert.False(t, done)
	assert.Equal(t, record.ID(0), next.Last)
}

func TestScanBatchEmptyTable(t *testing.T) {
	_, st := openStore(t)
	rows, _, done, err := st.ScanBatch(context.Background(), nil, Cursor{Table: record.Bookmarks}, 5)
	assert.NoError(t, err)
	assert.Empty(t, rows)
	assert.True(t, done)
}

func TestCursorToken(t *testing.T) {
	cur := Cursor{Table: record.Stats, Last: 0x1234}
	parsed, err := ParseCursor(cur.Token())
	require.NoError(t, err)
	assert.Equal(t, cur, parsed)

	_, err = ParseCursor("zz")
	assert.ErrorIs(t, err, tally_errors.ErrBadCursor)

	// Flip one byte: the checksum must catch it.
	tok := []byte(cur.Token())
	if tok[3] == 'f' {
		tok[3] = '0'
	} else {
		tok[3] = 'f'
	}
	_, err = ParseCursor(string(tok))
	assert.ErrorIs(t, err, tally_errors.ErrBadCursor)
}

func TestForEach(t *testing.T) {
	env, st := openStore(t)
	for i := 0; i < 4; i++ {
		_, err := st.Append(env.DB, &record.User{Tenant: 1, Name: "u"})
		require.NoError(t, err)
	}
	var order []record.ID
	err := st.ForEach(context.Background(), nil, record.Users, func(row record.Row) error {
		order = append(order, row.RowID())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []record.ID{1, 2, 3, 4}, order)
}
