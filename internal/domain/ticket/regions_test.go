package ticket

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRegions(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "single string", raw: `"서울"`, want: `"서울"`},
		{name: "single string trimmed", raw: `"  서울 "`, want: `"서울"`},
		{name: "array", raw: `["서울","부산"]`, want: `["서울","부산"]`},
		{name: "array drops blanks", raw: `[" 서울 ",""," "]`, want: `["서울"]`},
		{name: "html is not escaped", raw: `"a<b>"`, want: `"a<b>"`},
		{name: "absent", raw: ``, wantErr: true},
		{name: "null", raw: `null`, wantErr: true},
		{name: "blank string", raw: `"   "`, wantErr: true},
		{name: "empty array", raw: `[]`, wantErr: true},
		{name: "blank array", raw: `[" ",""]`, wantErr: true},
		{name: "number", raw: `12`, wantErr: true},
		{name: "object", raw: `{"a":1}`, wantErr: true},
		{name: "array of numbers", raw: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRegions(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrValidation))
				assert.Equal(t, ReasonValidation, ReasonOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeRegions_Idempotent(t *testing.T) {
	first, err := NormalizeRegions(json.RawMessage(`[" 서울","부산 "]`))
	require.NoError(t, err)

	second, err := NormalizeRegions(json.RawMessage(first))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
