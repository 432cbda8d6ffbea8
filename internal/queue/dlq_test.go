package queue

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestRetryCountFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		headers amqp.Table
		want    int
	}{
		{name: "missing headers", headers: nil, want: 0},
		{name: "first delivery", headers: amqp.Table{}, want: 0},
		{name: "int", headers: amqp.Table{"x-retry-count": 3}, want: 3},
		{name: "int8", headers: amqp.Table{"x-retry-count": int8(1)}, want: 1},
		{name: "int16", headers: amqp.Table{"x-retry-count": int16(2)}, want: 2},
		{name: "int32", headers: amqp.Table{"x-retry-count": int32(4)}, want: 4},
		{name: "int64", headers: amqp.Table{"x-retry-count": int64(5)}, want: 5},
		{name: "malformed", headers: amqp.Table{"x-retry-count": "lots"}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryCountFromHeaders(tt.headers))
		})
	}
}

func TestCalculateBackoffDelay(t *testing.T) {
	assert.Equal(t, 1*time.Minute, calculateBackoffDelay(0))
	assert.Equal(t, 2*time.Minute, calculateBackoffDelay(1))
	assert.Equal(t, 16*time.Minute, calculateBackoffDelay(4))

	// Capped at one hour no matter how far retries have gone.
	assert.Equal(t, 1*time.Hour, calculateBackoffDelay(10))
}
