package models

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCheckAmount(t *testing.T) {
	tests := []struct {
		amount string
		valid  bool
	}{
		{"0.01", true},
		{"90", true},
		{"90.50", true},
		{"999999999999.99", true},
		{"1000000000000", true},
		{"0", false},
		{"-5", false},
		{"90.001", false},
		{"90.0000000000000001", false},
		{"1000000000000.01", false},
		{"9007199254740993", false},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			err := CheckAmount(decimal.RequireFromString(tt.amount))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
