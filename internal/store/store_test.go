// internal/store/store_test.go
package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextRetryDelay(t *testing.T) {
	tests := []struct {
		name       string
		retryCount int
		expected   time.Duration
	}{
		{"first attempt", 1, 5 * time.Minute},
		{"second attempt doubles", 2, 10 * time.Minute},
		{"third attempt", 3, 20 * time.Minute},
		{"fourth attempt", 4, 40 * time.Minute},
		{"caps at twenty-four hours", 10, 24 * time.Hour},
		{"stays capped far beyond", 40, 24 * time.Hour},
		{"zero treated as first", 0, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NextRetryDelay(tt.retryCount))
		})
	}
}
