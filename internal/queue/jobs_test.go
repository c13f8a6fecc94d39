package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDelete(t *testing.T) {
	data, err := EncodeDelete("d1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"drop_id":"d1"}`, string(data))

	p, err := DecodeDelete(data)
	require.NoError(t, err)
	assert.Equal(t, "d1", p.DropID)

	p, err = DecodeDelete([]byte(`{"other":"x"}`))
	require.NoError(t, err)
	assert.Empty(t, p.DropID)

	_, err = DecodeDelete([]byte(`not json`))
	assert.Error(t, err)
}
