package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Error is a program failure carrying the custom code reported on-chain.
type Error struct {
	Code uint32
	Name string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Msg)
}

const customErrorOffset = 6000

var (
	ErrInvalidState        = &Error{Code: 6000, Name: "InvalidState", Msg: "Entity is not active"}
	ErrUnauthorized        = &Error{Code: 6001, Name: "Unauthorized", Msg: "Caller does not match the required authority"}
	ErrInsufficientBalance = &Error{Code: 6002, Name: "InsufficientBalance", Msg: "Insufficient balance"}
	ErrInvalidAmount       = &Error{Code: 6003, Name: "InvalidAmount", Msg: "Invalid amount"}
	ErrAlreadyExists       = &Error{Code: 6004, Name: "AlreadyExists", Msg: "Account already exists"}
	ErrNotFound            = &Error{Code: 6005, Name: "NotFound", Msg: "Referenced account does not exist"}
	ErrSequenceMismatch    = &Error{Code: 6006, Name: "SequenceMismatch", Msg: "Id does not match the counter sequence"}
	ErrArithmeticOverflow  = &Error{Code: 6007, Name: "ArithmeticOverflow", Msg: "Arithmetic overflow"}
	ErrInvalidAccount      = &Error{Code: 6008, Name: "InvalidAccount", Msg: "Account is foreign or does not match its derived address"}
	ErrInvalidName         = &Error{Code: 6009, Name: "InvalidName", Msg: "Strategy name is empty or too long"}

	ErrInstructionFallbackNotFound  = &Error{Code: 101, Name: "InstructionFallbackNotFound", Msg: "Fallback functions are not supported"}
	ErrInstructionDidNotDeserialize = &Error{Code: 102, Name: "InstructionDidNotDeserialize", Msg: "The program could not deserialize the given instruction"}
	ErrNotEnoughAccountKeys         = &Error{Code: 3005, Name: "AccountNotEnoughKeys", Msg: "Not enough account keys given to the instruction"}
)

// ErrBumpNotFound is returned when no off-curve address exists for a seed set.
var ErrBumpNotFound = errors.New("bump not found")

var errorsByCode = func() map[uint32]*Error {
	out := make(map[uint32]*Error)
	for _, e := range []*Error{
		ErrInvalidState, ErrUnauthorized, ErrInsufficientBalance, ErrInvalidAmount,
		ErrAlreadyExists, ErrNotFound, ErrSequenceMismatch, ErrArithmeticOverflow,
		ErrInvalidAccount, ErrInvalidName,
		ErrInstructionFallbackNotFound, ErrInstructionDidNotDeserialize, ErrNotEnoughAccountKeys,
	} {
		out[e.Code] = e
	}
	return out
}()

func ErrorFromCode(code uint32) (*Error, bool) {
	e, ok := errorsByCode[code]
	return e, ok
}

// IsCustomCode reports whether code falls in the program's own error range.
func IsCustomCode(code uint32) bool {
	return code >= customErrorOffset
}

// CustomErrorCode digs the Custom(n) code out of a transaction error as
// returned by getSignatureStatuses or a failed simulation, e.g.
// {"InstructionError":[0,{"Custom":6002}]}.
func CustomErrorCode(txErr any) (uint32, bool) {
	switch typed := txErr.(type) {
	case nil:
		return 0, false
	case map[string]any:
		if raw, ok := typed["Custom"]; ok {
			return numberToCode(raw)
		}
		for _, child := range typed {
			if code, ok := CustomErrorCode(child); ok {
				return code, true
			}
		}
	case []any:
		for _, child := range typed {
			if code, ok := CustomErrorCode(child); ok {
				return code, true
			}
		}
	case string:
		var decoded any
		if err := json.Unmarshal([]byte(typed), &decoded); err == nil {
			return CustomErrorCode(decoded)
		}
	}
	return 0, false
}

// DecodeTransactionError maps a transaction error to its *Error when the
// custom code is known.
func DecodeTransactionError(txErr any) (*Error, bool) {
	code, ok := CustomErrorCode(txErr)
	if !ok {
		return nil, false
	}
	return ErrorFromCode(code)
}

func numberToCode(raw any) (uint32, bool) {
	switch v := raw.(type) {
	case float64:
		if v < 0 || v > float64(^uint32(0)) {
			return 0, false
		}
		return uint32(v), true
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 32)
		if err != nil {
			return 0, false
		}
		return uint32(n), true
	case int:
		return uint32(v), v >= 0
	case int64:
		return uint32(v), v >= 0
	case uint32:
		return v, true
	case uint64:
		return uint32(v), v <= uint64(^uint32(0))
	}
	return 0, false
}
