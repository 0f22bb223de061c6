package isolation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoOp_AllocateReturnsDistinctPortsPerName(t *testing.T) {
	p := NewNoOp(9000)
	ctx := context.Background()

	a1, err := p.Allocate(ctx, "env-a")
	require.NoError(t, err)
	a2, err := p.Allocate(ctx, "env-b")
	require.NoError(t, err)

	require.NotEqual(t, a1.Ports[0], a2.Ports[0])
}

func TestNoOp_AllocateIsIdempotentForSameName(t *testing.T) {
	p := NewNoOp(9000)
	ctx := context.Background()

	a1, err := p.Allocate(ctx, "env-a")
	require.NoError(t, err)
	a2, err := p.Allocate(ctx, "env-a")
	require.NoError(t, err)

	require.Equal(t, a1.Ports[0], a2.Ports[0])
}

func TestNoOp_ReleaseThenAllocateGivesFreshAllocation(t *testing.T) {
	p := NewNoOp(9000)
	ctx := context.Background()

	a1, err := p.Allocate(ctx, "env-a")
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, "env-a"))

	a2, err := p.Allocate(ctx, "env-a")
	require.NoError(t, err)
	require.NotEqual(t, a1.Ports[0], a2.Ports[0])
}
