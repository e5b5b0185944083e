package completion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFinal(t *testing.T) {
	assert.True(t, IsFinal(2, 3))
	assert.True(t, IsFinal(0, 1))
	assert.False(t, IsFinal(1, 3))
	assert.False(t, IsFinal(3, 3))
}

func TestDetectors_OutOfOrderArrival(t *testing.T) {
	// report.pdf, 3 chunks, arriving as 0, 2, 1.
	arrivals := []struct {
		index  int
		staged int
	}{
		{index: 0, staged: 1},
		{index: 2, staged: 2},
		{index: 1, staged: 3},
	}

	tests := []struct {
		name     string
		detector Detector
		want     []bool
	}{
		{name: "staged count waits for every slot", detector: StagedCount{}, want: []bool{false, false, true}},
		{name: "last index fires on the final index", detector: LastIndex{}, want: []bool{false, true, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, a := range arrivals {
				assert.Equal(t, tt.want[i], tt.detector.Complete(a.index, 3, a.staged), "arrival %d", i)
			}
		})
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		mode    string
		want    string
		wantErr bool
	}{
		{mode: "", want: ModeStagedCount},
		{mode: "staged", want: ModeStagedCount},
		{mode: " INDEX ", want: ModeLastIndex},
		{mode: "eventually", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			d, err := Parse(tt.mode)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}
}
