package retryafter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_isTimeoutErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "context timeouts are timeouts",
			err:  context.DeadlineExceeded,
			want: true,
		},
		{
			name: "wrapped context timeouts are timeouts",
			err:  fmt.Errorf("attempt: %w", context.DeadlineExceeded),
			want: true,
		},
		{
			name: "net op errors are true",
			err: &net.OpError{
				Err: timeoutErr{},
			},
			want: true,
		},
		{
			name: "cancellation is not a timeout",
			err:  context.Canceled,
			want: false,
		},
		{
			name: "non-network related errors are not timeouts",
			err:  errors.New("fake error"),
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTimeoutErr(tt.err))
		})
	}
}
