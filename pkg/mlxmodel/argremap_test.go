package mlxmodel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/afm/gateway/pkg/jsonvalue"
)

func TestRemapArgumentsSuffixMatchS5(t *testing.T) {
	args, err := jsonvalue.ParseArguments(`{"path":"/x"}`)
	require.NoError(t, err)

	remapped := RemapArguments(args, []string{"filePath"})
	s, err := remapped.CanonicalString()
	require.NoError(t, err)
	require.Equal(t, `{"filePath":"/x"}`, s)
}

func TestRemapArgumentsUnchangedWithoutSchema(t *testing.T) {
	args, err := jsonvalue.ParseArguments(`{"path":"/x"}`)
	require.NoError(t, err)

	remapped := RemapArguments(args, nil)
	s, err := remapped.CanonicalString()
	require.NoError(t, err)
	require.Equal(t, `{"path":"/x"}`, s)
}

func TestRemapArgumentsExactMatch(t *testing.T) {
	args, err := jsonvalue.ParseArguments(`{"filePath":"/x"}`)
	require.NoError(t, err)
	remapped := RemapArguments(args, []string{"filePath"})
	s, _ := remapped.CanonicalString()
	require.Equal(t, `{"filePath":"/x"}`, s)
}

func TestRemapArgumentsCaseInsensitive(t *testing.T) {
	args, err := jsonvalue.ParseArguments(`{"filepath":"/x"}`)
	require.NoError(t, err)
	remapped := RemapArguments(args, []string{"filePath"})
	s, _ := remapped.CanonicalString()
	require.Equal(t, `{"filePath":"/x"}`, s)
}

func TestRemapArgumentsSnakeToCamel(t *testing.T) {
	args, err := jsonvalue.ParseArguments(`{"file_path":"/x"}`)
	require.NoError(t, err)
	remapped := RemapArguments(args, []string{"filePath"})
	s, _ := remapped.CanonicalString()
	require.Equal(t, `{"filePath":"/x"}`, s)
}

func TestRemapArgumentsCamelToSnake(t *testing.T) {
	args, err := jsonvalue.ParseArguments(`{"filePath":"/x"}`)
	require.NoError(t, err)
	remapped := RemapArguments(args, []string{"file_path"})
	s, _ := remapped.CanonicalString()
	require.Equal(t, `{"file_path":"/x"}`, s)
}

func TestRemapArgumentsAmbiguousSuffixLeftUnchanged(t *testing.T) {
	args, err := jsonvalue.ParseArguments(`{"path":"/x"}`)
	require.NoError(t, err)
	remapped := RemapArguments(args, []string{"filePath", "dirPath"})
	s, _ := remapped.CanonicalString()
	require.Equal(t, `{"path":"/x"}`, s)
}

func TestRemapArgumentsIdempotent(t *testing.T) {
	args, err := jsonvalue.ParseArguments(`{"path":"/x","count":2}`)
	require.NoError(t, err)
	schema := []string{"filePath", "count"}

	once := RemapArguments(args, schema)
	twice := RemapArguments(once, schema)

	s1, _ := once.CanonicalString()
	s2, _ := twice.CanonicalString()
	require.Equal(t, s1, s2)
}
