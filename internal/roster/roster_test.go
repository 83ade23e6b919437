package roster

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDatabaseURLStripsSchemaParam(t *testing.T) {
	u, schema := normalizeDatabaseURL("postgres://u:p@localhost:5432/streamwatch?schema=watch&sslmode=disable")
	require.Equal(t, "watch", schema)
	require.NotContains(t, u, "schema=")
	require.Contains(t, u, "sslmode=disable")
}

func TestNormalizeDatabaseURLPassthrough(t *testing.T) {
	in := "postgres://u:p@localhost:5432/streamwatch"
	u, schema := normalizeDatabaseURL(in)
	require.Equal(t, in, u)
	require.Empty(t, schema)
}
