package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artifactledger/internal/experiment"
	"artifactledger/internal/projection"
	"artifactledger/internal/store"
)

func TestExitCode_Mapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"invocation", invalidInvocationf("bad flag"), ExitInvalidInvocation},
		{"config", &ConfigError{Cause: errors.New("store_root is required")}, ExitConfigError},
		{"artifact not found", fmt.Errorf("artifact x: %w", store.ErrNotFound), ExitNotFound},
		{"experiment not found", experiment.ErrNotFound, ExitNotFound},
		{"projection not found", fmt.Errorf("p: %w", projection.ErrProjectionNotFound), ExitNotFound},
		{"invalid publish", &store.PublishError{Code: store.CodeInvalidRequest, Message: "schema version must be >= 1"}, ExitInvalidInvocation},
		{"failed publish", &store.PublishError{Code: store.CodeCopyFailed, Cause: errors.New("disk full")}, ExitInternalError},
		{"invalid projection", &projection.BuildError{Code: projection.CodeInvalidRequest}, ExitInvalidInvocation},
		{"tombstoned input", fmt.Errorf("artifact x: %w", experiment.ErrArtifactTombstoned), ExitInvalidInvocation},
		{"other", errors.New("boom"), ExitInternalError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestInvocationError_NilReceiver(t *testing.T) {
	var e *InvocationError
	assert.Equal(t, "", e.Error())
	var c *ConfigError
	assert.Equal(t, "", c.Error())
	assert.NoError(t, c.Unwrap())
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs("tag", []string{"chain=solana", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"chain": "solana", "note": "a=b"}, got)

	_, err = parsePairs("tag", []string{"novalue"})
	assert.Equal(t, ExitInvalidInvocation, ExitCode(err))

	got, err = parsePairs("tag", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestParseSourcesAndIndexes(t *testing.T) {
	src := parseSources([]string{"A1", "A2=ohlcv"})
	assert.Equal(t, []projection.Source{{ArtifactID: "A1"}, {ArtifactID: "A2", Table: "ohlcv"}}, src)

	idx, err := parseIndexes([]string{"alerts:symbol,ts"})
	require.NoError(t, err)
	assert.Equal(t, []projection.Index{{Table: "alerts", Columns: []string{"symbol", "ts"}}}, idx)

	_, err = parseIndexes([]string{"alerts"})
	assert.Equal(t, ExitInvalidInvocation, ExitCode(err))
}
