package jq

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       any
		want       any
		wantErr    string
	}{
		{
			name:       "empty expression returns data as-is",
			expression: "",
			data:       map[string]any{"foo": "bar"},
			want:       map[string]any{"foo": "bar"},
		},
		{
			name:       "simple field extraction",
			expression: ".foo",
			data:       map[string]any{"foo": "bar"},
			want:       "bar",
		},
		{
			name:       "array map",
			expression: "map(.x)",
			data:       []any{map[string]any{"x": 1}, map[string]any{"x": 2}},
			want:       []any{float64(1), float64(2)},
		},
		{
			name:       "multiple outputs collected",
			expression: ".[]",
			data:       []string{"a", "b"},
			want:       []any{"a", "b"},
		},
		{
			name:       "no output",
			expression: "empty",
			data:       map[string]any{},
			want:       nil,
		},
		{
			name:       "invalid expression",
			expression: ".[",
			data:       map[string]any{"foo": "bar"},
			wantErr:    "invalid jq expression",
		},
		{
			name:       "runtime error",
			expression: ".foo + 1",
			data:       map[string]any{"foo": "bar"},
			wantErr:    "cannot add",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Execute(context.Background(), tt.expression, tt.data)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Execute() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Execute() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestExecutor_ToolResult(t *testing.T) {
	res := mcp.NewToolResultText("hello")
	res.StructuredContent = map[string]any{"files": []string{"a.txt", "b.txt"}}

	executor := NewExecutor(0, 0)

	got, err := executor.Execute(context.Background(), ".content[0].text", res)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != "hello" {
		t.Errorf("Execute() = %v, want hello", got)
	}

	got, err = executor.Execute(context.Background(), ".structuredContent.files | length", res)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got != 2 {
		t.Errorf("Execute() = %v, want 2", got)
	}
}

func TestExecutor_InputSize(t *testing.T) {
	executor := NewExecutor(time.Second, 16)
	_, err := executor.Execute(context.Background(), ".", map[string]string{"text": strings.Repeat("x", 32)})
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestExecutor_ExecuteJSON(t *testing.T) {
	executor := NewExecutor(0, 0)

	got, err := executor.ExecuteJSON(context.Background(), ".a", []byte(`{"a": [1, 2]}`))
	if err != nil {
		t.Fatalf("ExecuteJSON() error = %v", err)
	}
	if !reflect.DeepEqual(got, []any{float64(1), float64(2)}) {
		t.Errorf("ExecuteJSON() = %#v", got)
	}

	if _, err := executor.ExecuteJSON(context.Background(), ".", []byte("not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestExecutor_Validate(t *testing.T) {
	executor := NewExecutor(0, 0)
	if err := executor.Validate(""); err != nil {
		t.Errorf("Validate(\"\") = %v", err)
	}
	if err := executor.Validate(".content[] | .text"); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	if err := executor.Validate(".["); err == nil {
		t.Error("Validate() expected error")
	}
	if err := executor.Validate("undefined_fn(1)"); err == nil {
		t.Error("Validate() expected compile error")
	}
}
