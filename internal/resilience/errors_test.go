package resilience

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient_Nil(t *testing.T) {
	assert.False(t, IsTransient(nil))
}

func TestIsTransient_RegularError(t *testing.T) {
	assert.False(t, IsTransient(errors.New("invalid input: missing field")))
}

func TestIsTransient_Syscall(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("write tcp: %w", syscall.ECONNRESET)))
	assert.True(t, IsTransient(fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)))
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	assert.True(t, IsTransient(&net.DNSError{IsTimeout: true, Err: "timeout"}))
}

func TestIsTransient_PgError(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"40001", true},
		{"40P01", true},
		{"57P03", true},
		{"08006", true},
		{"23505", false},
		{"42P01", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := fmt.Errorf("store: swap: %w", &pgconn.PgError{Code: tt.code})
			assert.Equal(t, tt.want, IsTransient(err))
		})
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	for _, msg := range []string{
		"read: connection reset by peer",
		"FATAL: the database system is starting up",
		"sqlite: database is locked",
	} {
		assert.True(t, IsTransient(errors.New(msg)), msg)
	}
}
