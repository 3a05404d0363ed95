package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHWIDIsStableAndEightHex(t *testing.T) {
	id1 := HWID(0xdeadbeef, "machine-a", "/opt/worker")
	id2 := HWID(0xdeadbeef, "machine-a", "/opt/worker")
	assert.Equal(t, id1, id2)
	require.Len(t, id1, 8)
	assert.Regexp(t, "^[0-9a-f]{8}$", id1)
}

func TestHWIDVariesWithInputs(t *testing.T) {
	base := HWID(1, "machine-a", "/opt/worker")
	assert.NotEqual(t, base, HWID(2, "machine-a", "/opt/worker"))
	assert.NotEqual(t, base, HWID(1, "machine-b", "/opt/worker"))
	assert.NotEqual(t, base, HWID(1, "machine-a", "/opt/other"))
}

func TestUniqueKeyPrefixAndLength(t *testing.T) {
	k := UniqueKey("abcd1234")
	assert.True(t, len(k) == 8+28, "length = %d", len(k))
	// 8-char prefix + tail of a UUID string (36 chars minus the first 8).
	assert.Equal(t, "abcd1234", k[:8])
}

func TestUniqueKeyShortPrefixIsPadded(t *testing.T) {
	k := UniqueKey("ab")
	assert.Equal(t, "ab000000", k[:8])
}

func TestValidateConcurrencyTextualMaxRule(t *testing.T) {
	// "MAX" explicitly present: allowed to claim every core.
	v, err := ValidateConcurrency("MAX", 8)
	require.NoError(t, err)
	assert.Equal(t, 8, v)

	// No "MAX" in the text: silently reduced to leave one core free,
	// not rejected.
	v, err = ValidateConcurrency("8", 8)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = ValidateConcurrency("7", 8)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	// Exceeding MAX is always invalid, even with an explicit MAX in the text.
	_, err = ValidateConcurrency("MAX+1", 8)
	assert.Error(t, err)

	// Non-positive results are invalid.
	_, err = ValidateConcurrency("MAX-8", 8)
	assert.Error(t, err)
}

func TestResolveConcurrencyClampsToMemory(t *testing.T) {
	// perInstanceMemoryMiB = 2*(16+10+138+16) = 360; with RunnerMemoryMiB=60
	// and max_memory=1500, max_concurrency = (1500-60)/360 = 4.
	resolved, reduced, err := ResolveConcurrency("MAX", 8, 1500)
	require.NoError(t, err)
	assert.True(t, reduced)
	assert.Equal(t, 4, resolved)
}

func TestResolveConcurrencyNoReductionNeeded(t *testing.T) {
	resolved, reduced, err := ResolveConcurrency("MAX-1", 4, 100000)
	require.NoError(t, err)
	assert.False(t, reduced)
	assert.Equal(t, 3, resolved)
}

func TestResolveConcurrencyInsufficientMemory(t *testing.T) {
	_, _, err := ResolveConcurrency("1", 4, 100)
	assert.Error(t, err)
}

func TestResolveMaxMemory(t *testing.T) {
	v, err := ResolveMaxMemory("MAX/2", 8000)
	require.NoError(t, err)
	assert.Equal(t, 4000, v)
}
