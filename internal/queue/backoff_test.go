package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	cap := 10 * time.Minute

	tests := []struct {
		name       string
		retryCount int
		want       time.Duration
	}{
		{"first retry doubles", 1, time.Minute},
		{"second retry quadruples", 2, 2 * time.Minute},
		{"third retry", 3, 4 * time.Minute},
		{"zero retries uses base", 0, 30 * time.Second},
		{"large count hits cap", 10, cap},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(base, cap, tt.retryCount))
		})
	}
}

func TestBackoff_ZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Backoff(0, time.Minute, 5))
}

func TestBackoff_NeverExceedsCap(t *testing.T) {
	for i := 0; i < 32; i++ {
		d := Backoff(time.Second, time.Minute, i)
		assert.LessOrEqual(t, d, time.Minute, "retry %d", i)
	}
}
