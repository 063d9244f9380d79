package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindow(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    time.Duration
		wantErr bool
	}{
		{name: "seconds", spec: "60s", want: time.Minute},
		{name: "minutes", spec: "15m", want: 15 * time.Minute},
		{name: "hour", spec: "1h", want: time.Hour},
		{name: "day", spec: "1d", want: 24 * time.Hour},
		{name: "week", spec: "2w", want: 14 * 24 * time.Hour},
		{name: "padded", spec: " 1h ", want: time.Hour},
		{name: "unknown unit", spec: "1y", wantErr: true},
		{name: "missing number", spec: "h", wantErr: true},
		{name: "zero", spec: "0m", wantErr: true},
		{name: "negative", spec: "-1h", wantErr: true},
		{name: "garbage", spec: "abch", wantErr: true},
		{name: "empty", spec: "", wantErr: true},
		{name: "longest representable", spec: "15250w", want: 15250 * 7 * 24 * time.Hour},
		{name: "one week past the limit", spec: "15251w", wantErr: true},
		{name: "overflowing weeks", spec: "99999999999w", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWindow(tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
