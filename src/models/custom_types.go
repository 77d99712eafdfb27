package models

import (
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrExpectedUint8Slice = errors.New("HexString: expected []uint8")

// HexString holds a binary SQL Server hash (query_hash, query_plan_hash) as a 0x prefixed hex string
type HexString string

// Scan implements the sql.Scanner interface for HexString
func (h *HexString) Scan(value interface{}) error {
	bytes, ok := value.([]uint8)
	if !ok {
		return fmt.Errorf("%w, got %T", ErrExpectedUint8Slice, value)
	}

	*h = HexString("0x" + hex.EncodeToString(bytes))
	return nil
}

// IsValid reports whether h is a non-empty 0x prefixed hex literal, safe to inline in SQL
func (h HexString) IsValid() bool {
	s := string(h)
	if len(s) < 3 || s[:2] != "0x" {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}
