package transport

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

func TestIsPeerDrop(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"abnormal closure", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, true},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, true},
		{"normal closure", &websocket.CloseError{Code: websocket.CloseNormalClosure}, false},
		{"conn reset", syscall.ECONNRESET, true},
		{"broken pipe", syscall.EPIPE, true},
		{"other", errors.New("malformed envelope"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPeerDrop(tt.err))
		})
	}
}

func TestDialerDefaultsDisableCompression(t *testing.T) {
	d := NewWebSocketDialer()
	assert.False(t, d.EnableCompression)
	assert.NotZero(t, d.HandshakeTimeout)
}
