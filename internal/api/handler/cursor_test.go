package handler

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/cuongbtq/toolmeter/internal/jobs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCursor(t *testing.T) {
	cursor := &jobs.Cursor{CreatedAt: time.Unix(1_800_000_000, 123456789).UTC(), JobID: "0b8f3c3e-5a43-4b53-9a4e-4c1c2a1d7f10"}

	decoded, err := DecodeJobCursor(EncodeJobCursor(cursor))
	require.NoError(t, err)
	assert.Equal(t, cursor, decoded)

	empty, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	for _, bad := range []string{
		"%%%",
		base64.URLEncoding.EncodeToString([]byte("no-separator")),
		base64.URLEncoding.EncodeToString([]byte("yesterday|job")),
		base64.URLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := DecodeJobCursor(bad)
		assert.Error(t, err, bad)
	}
}
