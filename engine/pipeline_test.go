package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func Test_Engine_Pipeline_Cycle(t *testing.T) {
	p := NewPipeline(3)
	require.Equal(t, 3, p.Batch())
	require.Equal(t, PhaseIdle, p.Phase())
	require.False(t, p.Done())

	order := []Phase{PhaseEncoding, PhaseSharing, PhaseInferring,
		PhaseReconstructing, PhaseAggregating, PhaseEmitting, PhaseIdle}
	for _, next := range order {
		require.NoError(t, p.Advance(next))
		require.Equal(t, next, p.Phase())
	}
	require.True(t, p.Done())
	require.NoError(t, p.Err())

	trace := p.Trace()
	require.Len(t, trace, len(order)+1)
	require.Equal(t, PhaseIdle, trace[0].Phase)
	for i, step := range trace[1:] {
		require.Equal(t, order[i], step.Phase)
		require.False(t, step.At.Before(trace[i].At))
	}
}

func Test_Engine_Pipeline_Guards(t *testing.T) {
	p := NewPipeline(0)

	err := p.Advance(PhaseInferring)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cannot move")
	require.Equal(t, PhaseIdle, p.Phase())

	require.NoError(t, p.Advance(PhaseEncoding))
	require.Error(t, p.Advance(PhaseEmitting))
	require.Error(t, p.Advance(PhaseEncoding))
	require.Error(t, p.Advance(PhaseIdle))
	require.Equal(t, PhaseEncoding, p.Phase())
	require.Len(t, p.Trace(), 2)
}

func Test_Engine_Pipeline_Fail(t *testing.T) {
	p := NewPipeline(1)
	require.NoError(t, p.Advance(PhaseEncoding))
	require.NoError(t, p.Advance(PhaseSharing))

	cause := xerrors.New("socket went away")
	p.Fail(cause)
	require.Equal(t, PhaseFailed, p.Phase())
	require.ErrorIs(t, p.Err(), cause)
	require.False(t, p.Done())

	err := p.Advance(PhaseInferring)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already failed")

	// the first cause sticks
	p.Fail(xerrors.New("later"))
	require.ErrorIs(t, p.Err(), cause)

	trace := p.Trace()
	require.Equal(t, PhaseFailed, trace[len(trace)-1].Phase)
}
