package chain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type rpcCodeErr struct{ code int }

func (e rpcCodeErr) Error() string  { return fmt.Sprintf("rpc error %d", e.code) }
func (e rpcCodeErr) ErrorCode() int { return e.code }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), true},
		{"net timeout", timeoutErr{}, true},
		{"internal rpc error", rpcCodeErr{-32603}, true},
		{"revert code", rpcCodeErr{-32000}, false},
		{"invalid params code", rpcCodeErr{-32602}, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"revert message", errors.New("execution reverted: MinimumTransactionAmount"), false},
		{"unknown", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap("read", nil) != nil {
		t.Fatal("wrapping nil should stay nil")
	}
	cause := errors.New("boom")
	err := Wrap("read_pool_state", cause)
	if !errors.Is(err, ErrChainInteraction) || !errors.Is(err, cause) {
		t.Fatalf("wrapped error lost its identity: %v", err)
	}
	if again := Wrap("outer", err); Op(again) != "read_pool_state" {
		t.Errorf("rewrapping changed the operation to %q", Op(again))
	}
	if err.Error() != "chain: read_pool_state: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
