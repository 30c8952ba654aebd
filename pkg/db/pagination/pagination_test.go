package pagination

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	encoded, err := EncodeCursor(Cursor{CreatedAt: "2026-03-10T12:00:00Z", ID: "123"})
	require.NoError(t, err)

	decoded, err := DecodeCursor(encoded)
	require.NoError(t, err)
	require.Equal(t, "2026-03-10T12:00:00Z", decoded.CreatedAt)
	require.Equal(t, "123", decoded.ID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("not base64 !!!")
	require.Error(t, err)
}

func TestBuildCursorPageInfo(t *testing.T) {
	type row struct{ ID string }
	extract := func(r *row) string { return r.ID }

	data := []*row{{ID: "1"}, {ID: "2"}, {ID: "3"}}

	page, info := BuildCursorPageInfo(data, 2, extract)
	require.Len(t, page, 2)
	require.True(t, info.HasMore)
	require.Equal(t, "2", info.NextCursor)

	page, info = BuildCursorPageInfo(data[:2], 2, extract)
	require.Len(t, page, 2)
	require.False(t, info.HasMore)

	page, info = BuildCursorPageInfo([]*row{}, 2, extract)
	require.Empty(t, page)
	require.False(t, info.HasMore)
}
