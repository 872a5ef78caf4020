package recoveryheader_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plotfs/plotfs/lib/devheader"
	"github.com/plotfs/plotfs/lib/recoveryheader"
)

func TestFormatParseRoundTrip(t *testing.T) {
	t.Parallel()
	next, err := devheader.NewID()
	require.NoError(t, err)

	type TestCase struct {
		shardSize        uint64
		nextDeviceID     [devheader.IDSize]byte
		nextDeviceOffset uint64
		wantHasNext      bool
	}
	testcases := map[string]TestCase{
		"last shard of a plot": {
			shardSize:        4096,
			nextDeviceID:     [devheader.IDSize]byte{},
			nextDeviceOffset: 0,
			wantHasNext:      false,
		},
		"chained to another shard": {
			shardSize:        1 << 20,
			nextDeviceID:     next,
			nextDeviceOffset: 1024,
			wantHasNext:      true,
		},
	}
	for name, tc := range testcases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			dat := recoveryheader.Format(tc.shardSize, tc.nextDeviceID, tc.nextDeviceOffset)
			assert.Equal(t, recoveryheader.Size, len(dat))

			got, err := recoveryheader.Parse(dat)
			require.NoError(t, err)
			assert.Equal(t, tc.shardSize, got.ShardSize)
			assert.Equal(t, tc.nextDeviceID, got.NextDeviceID)
			assert.Equal(t, tc.nextDeviceOffset, got.NextDeviceOffset)
			assert.Equal(t, tc.wantHasNext, got.HasNext())
		})
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	t.Parallel()
	dat := make([]byte, recoveryheader.Size)
	copy(dat, "not a recovery point header")
	_, err := recoveryheader.Parse(dat)
	assert.Error(t, err)
}

func TestParseRejectsShortInput(t *testing.T) {
	t.Parallel()
	dat := recoveryheader.Format(1024, [devheader.IDSize]byte{}, 0)
	_, err := recoveryheader.Parse(dat[:recoveryheader.Size-1])
	assert.Error(t, err)
}
