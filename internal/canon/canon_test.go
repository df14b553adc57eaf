package canon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func TestMarshal_KeyOrdering(t *testing.T) {
	a, err := Marshal([]byte(`{"b":2,"a":1,"c":3}`))
	require.NoError(t, err)
	b, err := Marshal([]byte(`{"c":3,"a":1,"b":2}`))
	require.NoError(t, err)

	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(a))
}

func TestMarshal_NumberNormalization(t *testing.T) {
	out, err := Marshal([]byte(`{"value":10.0,"decimal":10.50,"int_float":5.0}`))
	require.NoError(t, err)

	s := string(out)
	assert.Contains(t, s, `"value":10`)
	assert.Contains(t, s, `"decimal":10.5`)
	assert.Contains(t, s, `"int_float":5`)
}

func TestMarshal_NestedStructures(t *testing.T) {
	out, err := Marshal([]byte(`{"outer":{"inner":[3,1,2],"data":{"z":26,"a":1}}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"data":{"a":1,"z":26},"inner":[3,1,2]}}`, string(out))
}

func TestMarshal_Deterministic(t *testing.T) {
	raw := []byte(`{"b":{"y":2,"x":1},"a":[1,2,3],"c":"héllo"}`)
	first, err := Marshal(raw)
	require.NoError(t, err)
	second, err := Marshal(raw)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMarshal_RejectsTrailingData(t *testing.T) {
	_, err := Marshal([]byte(`{"a":1} garbage`))
	assert.Error(t, err)
}

func TestMarshalValue_Time(t *testing.T) {
	out, err := MarshalValue(map[string]any{"ts": mustParseTime(t, "2024-01-15T10:30:45Z")})
	require.NoError(t, err)
	assert.Equal(t, `{"ts":"2024-01-15T10:30:45Z"}`, string(out))
}
