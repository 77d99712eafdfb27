package models

import (
	"fmt"
	"testing"
)

func TestHexString_Scan(t *testing.T) {
	tests := []struct {
		name    string
		input   interface{}
		want    HexString
		wantErr error
	}{
		{
			name:    "valid byte slice",
			input:   []uint8{0x12, 0x34, 0xab, 0xcd},
			want:    "0x1234abcd",
			wantErr: nil,
		},
		{
			name:    "empty byte slice",
			input:   []uint8{},
			want:    "0x",
			wantErr: nil,
		},
		{
			name:    "invalid type",
			input:   "not a byte slice",
			want:    "",
			wantErr: fmt.Errorf("%w, got %T", ErrExpectedUint8Slice, "not a byte slice"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got HexString
			err := got.Scan(tt.input)
			if tt.wantErr != nil {
				if err == nil || err.Error() != tt.wantErr.Error() {
					t.Errorf("Scan() error = %v, wantErr %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Errorf("Scan() unexpected error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Scan() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHexString_IsValid(t *testing.T) {
	tests := map[HexString]bool{
		"0x1234abcd":          true,
		"0x":                  false,
		"":                    false,
		"1234":                false,
		"0x12'; DROP TABLE x": false,
		"0xABC":               false,
	}
	for in, want := range tests {
		if got := in.IsValid(); got != want {
			t.Errorf("IsValid(%q) = %v, want %v", in, got, want)
		}
	}
}
