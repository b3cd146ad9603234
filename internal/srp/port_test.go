package srp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePortID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    PortID
		wantErr bool
	}{
		{
			name: "bare hex",
			in:   "000102030405060708090a0b0c0d0e0f",
			want: PortID{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		},
		{
			name: "colon separated",
			in:   "00010203:04050607:08090a0b:0c0d0e0f",
			want: PortID{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		},
		{
			name: "dash separated",
			in:   "00010203-04050607-08090a0b-0c0d0e0f",
			want: PortID{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		},
		{name: "too short", in: "0001", wantErr: true},
		{name: "too long", in: "000102030405060708090a0b0c0d0e0f00", wantErr: true},
		{name: "not hex", in: "zz0102030405060708090a0b0c0d0e0f", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePortID(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrBadPortID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPortIDStringRoundtrip(t *testing.T) {
	p := PortID{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	s := p.String()
	assert.Equal(t, "00010203:04050607:08090a0b:0c0d0e0f", s)

	back, err := ParsePortID(s)
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestRandomPortIDsDiffer(t *testing.T) {
	assert.NotEqual(t, RandomPortID(), RandomPortID())
}
