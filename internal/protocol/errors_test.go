package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomErrorCode(t *testing.T) {
	var statusErr any
	require.NoError(t, json.Unmarshal([]byte(`{"InstructionError":[0,{"Custom":6002}]}`), &statusErr))

	tests := []struct {
		name   string
		txErr  any
		want   uint32
		wantOK bool
	}{
		{name: "status map", txErr: statusErr, want: 6002, wantOK: true},
		{name: "json string", txErr: `{"InstructionError":[1,{"Custom":6006}]}`, want: 6006, wantOK: true},
		{name: "typed number", txErr: map[string]any{"Custom": uint32(6004)}, want: 6004, wantOK: true},
		{name: "builtin error", txErr: map[string]any{"InstructionError": []any{0, "InvalidAccountData"}}},
		{name: "nil", txErr: nil},
		{name: "plain text", txErr: "blockhash not found"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, ok := CustomErrorCode(tc.txErr)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, code)
		})
	}
}

func TestDecodeTransactionError(t *testing.T) {
	decoded, ok := DecodeTransactionError(`{"InstructionError":[0,{"Custom":6005}]}`)
	require.True(t, ok)
	assert.Same(t, ErrNotFound, decoded)
	assert.Equal(t, "NotFound (6005): Referenced account does not exist", decoded.Error())

	_, ok = DecodeTransactionError(`{"InstructionError":[0,{"Custom":7777}]}`)
	assert.False(t, ok)
}

func TestErrorsMatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("instruction 0: %w", fmt.Errorf("%w: strategy 4", ErrInvalidState))
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.False(t, errors.Is(err, ErrInvalidAmount))

	var protoErr *Error
	require.ErrorAs(t, err, &protoErr)
	assert.Equal(t, uint32(6000), protoErr.Code)
}

func TestErrorCodesAreUnique(t *testing.T) {
	assert.Len(t, errorsByCode, 13)
	for code, e := range errorsByCode {
		assert.Equal(t, code, e.Code)
		if e.Code >= 6000 {
			assert.True(t, IsCustomCode(e.Code), e.Name)
		}
	}
	assert.False(t, IsCustomCode(ErrNotEnoughAccountKeys.Code))
}
