package jsinsert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsert_AddsImportWhenMissing(t *testing.T) {
	code := "console.log('hi');\n"
	got, err := Insert(code, "react-native-gesture-handler")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(got, "import 'react-native-gesture-handler';\n"))
	require.Contains(t, got, "console.log('hi');")
}

func TestInsert_NoOpWhenAlreadyImported(t *testing.T) {
	code := "import 'peer-dep';\nconsole.log(1);\n"
	got, err := Insert(code, "peer-dep")
	require.NoError(t, err)
	require.Equal(t, code, got)
}

func TestInsert_Idempotent(t *testing.T) {
	code := "console.log(1);\n"
	once, err := Insert(code, "peer-dep")
	require.NoError(t, err)
	twice, err := Insert(once, "peer-dep")
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestInsert_AfterDirectivePrologue(t *testing.T) {
	code := "'use strict';\nconsole.log(1);\n"
	got, err := Insert(code, "peer-dep")
	require.NoError(t, err)
	lines := strings.Split(got, "\n")
	require.Equal(t, "'use strict';", lines[0])
	require.Equal(t, "import 'peer-dep';", lines[1])
}

func TestInsert_ParseFailure_PropagatesError(t *testing.T) {
	code := "import {\n  a,\n"
	_, err := Insert(code, "peer-dep")
	require.Error(t, err)
}
