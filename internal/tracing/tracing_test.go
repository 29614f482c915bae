package tracing

import (
	"context"
	"reflect"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		raw  string
		want map[string]string
	}{
		{"", map[string]string{}},
		{"a=1", map[string]string{"a": "1"}},
		{" a = 1 , b=2,,=3,c", map[string]string{"a": "1", "b": "2"}},
		{"auth=Bearer x=y", map[string]string{"auth": "Bearer x=y"}},
	}
	for _, tt := range tests {
		if got := ParseHeaders(tt.raw); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseHeaders(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	if Tracer() == nil {
		t.Error("nil tracer")
	}
}
