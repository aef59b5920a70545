package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/archivebot/internal/archive"
)

var _ archive.IDGenerator = Generator{}

func TestGeneratorNewRawID(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewRawID()
	require.NoError(t, err)
	second, err := gen.NewRawID()
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.Equal(t, goUUID.Version(7), first.Version())
	require.LessOrEqual(t, first.String(), second.String(), "v7 IDs sort by creation time")
}

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	id, err := New().NewID()
	require.NoError(t, err)
	parsed, err := goUUID.Parse(id)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}
