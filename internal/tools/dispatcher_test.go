package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ocelotbot/ocelot/pkg/models"
)

func testRegistry(defs ...Definition) *Registry {
	b := NewBuilder(nil)
	for _, def := range defs {
		b.Register(def)
	}
	return b.Build()
}

func TestDispatchUnknownTool(t *testing.T) {
	d := NewDispatcher(testRegistry(), nil)

	res := d.Dispatch(context.Background(), "no_such_tool", nil, Caller{ChatID: 1})
	if res.Status != models.ToolStatusNotFound {
		t.Errorf("status = %q, want not_found", res.Status)
	}
	if res.Payload["status"] != "error" {
		t.Errorf("payload = %#v, want error status visible to model", res.Payload)
	}
}

func TestDispatchContextInjection(t *testing.T) {
	var seen map[string]any
	def := Definition{
		Name: "warn_user",
		Params: []Param{
			{Name: "chat_id", Type: TypeInteger},
			{Name: "user_id", Type: TypeInteger},
			{Name: "reason", Type: TypeString, Required: true},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			seen = args
			return map[string]any{"status": "success"}, nil
		},
	}
	d := NewDispatcher(testRegistry(def), nil)
	caller := Caller{ChatID: 100, UserID: int64Ptr(7)}

	t.Run("injected when absent", func(t *testing.T) {
		res := d.Dispatch(context.Background(), "warn_user", map[string]any{"reason": "spam"}, caller)
		if res.Status != models.ToolStatusSuccess {
			t.Fatalf("status = %q", res.Status)
		}
		if seen["chat_id"] != int64(100) {
			t.Errorf("chat_id = %#v, want injected 100", seen["chat_id"])
		}
		if seen["user_id"] != int64(7) {
			t.Errorf("user_id = %#v, want injected 7", seen["user_id"])
		}
	})

	t.Run("model value wins", func(t *testing.T) {
		// The model targeting another user must not be overridden.
		res := d.Dispatch(context.Background(), "warn_user",
			map[string]any{"reason": "spam", "user_id": float64(9000)}, caller)
		if res.Status != models.ToolStatusSuccess {
			t.Fatalf("status = %q", res.Status)
		}
		if seen["user_id"] != float64(9000) {
			t.Errorf("user_id = %#v, want model-supplied 9000", seen["user_id"])
		}
	})

	t.Run("nil caller user tolerated", func(t *testing.T) {
		res := d.Dispatch(context.Background(), "warn_user",
			map[string]any{"reason": "spam"}, Caller{ChatID: 100})
		if res.Status != models.ToolStatusSuccess {
			t.Fatalf("status = %q", res.Status)
		}
		if _, ok := seen["user_id"]; ok {
			t.Errorf("user_id injected from nil caller: %#v", seen["user_id"])
		}
	})
}

func TestDispatchDropsUndeclaredArgs(t *testing.T) {
	var seen map[string]any
	def := Definition{
		Name:   "echo",
		Params: []Param{{Name: "text", Type: TypeString}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			seen = args
			return nil, nil
		},
	}
	d := NewDispatcher(testRegistry(def), nil)

	d.Dispatch(context.Background(), "echo", map[string]any{"text": "hi", "hallucinated": 1}, Caller{ChatID: 1})
	if _, ok := seen["hallucinated"]; ok {
		t.Errorf("undeclared argument passed through: %#v", seen)
	}
	if seen["text"] != "hi" {
		t.Errorf("declared argument lost: %#v", seen)
	}
}

func TestDispatchMissingRequiredFailsFast(t *testing.T) {
	invoked := false
	def := Definition{
		Name:   "lookup",
		Params: []Param{{Name: "query", Type: TypeString, Required: true}},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			invoked = true
			return nil, nil
		},
	}
	d := NewDispatcher(testRegistry(def), nil)

	res := d.Dispatch(context.Background(), "lookup", map[string]any{}, Caller{ChatID: 1})
	if res.Status != models.ToolStatusError {
		t.Errorf("status = %q, want error", res.Status)
	}
	if !strings.Contains(res.Message(), "missing required arguments: [query]") {
		t.Errorf("message = %q", res.Message())
	}
	if invoked {
		t.Error("handler was invoked despite missing required args")
	}
}

func TestDispatchHandlerFailures(t *testing.T) {
	defs := []Definition{
		{
			Name: "fails",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, errors.New("upstream exploded")
			},
		},
		{
			Name: "panics",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				panic("nil map write")
			},
		},
		{
			Name: "times_out",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, context.DeadlineExceeded
			},
		},
	}
	d := NewDispatcher(testRegistry(defs...), nil)

	tests := []struct {
		tool       string
		wantStatus models.ToolStatus
		wantInMsg  string
	}{
		{"fails", models.ToolStatusError, "upstream exploded"},
		{"panics", models.ToolStatusError, "handler panicked"},
		{"times_out", models.ToolStatusTimeout, "deadline"},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res := d.Dispatch(context.Background(), tt.tool, nil, Caller{ChatID: 1})
			if res.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", res.Status, tt.wantStatus)
			}
			if !strings.Contains(res.Message(), tt.wantInMsg) {
				t.Errorf("message = %q, want substring %q", res.Message(), tt.wantInMsg)
			}
		})
	}
}

func TestDispatchResultNormalization(t *testing.T) {
	defs := []Definition{
		{
			Name: "scalar",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return 42, nil
			},
		},
		{
			Name: "nil_result",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return nil, nil
			},
		},
		{
			Name: "own_status",
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				return map[string]any{"status": "warning", "message": "partial data"}, nil
			},
		},
	}
	d := NewDispatcher(testRegistry(defs...), nil)
	ctx := context.Background()

	res := d.Dispatch(ctx, "scalar", nil, Caller{ChatID: 1})
	if res.Payload["result_value"] != "42" || res.Payload["status"] != "success" {
		t.Errorf("scalar payload = %#v", res.Payload)
	}

	res = d.Dispatch(ctx, "nil_result", nil, Caller{ChatID: 1})
	if res.Status != models.ToolStatusSuccess || res.Payload["status"] != "success" {
		t.Errorf("nil result payload = %#v", res.Payload)
	}

	res = d.Dispatch(ctx, "own_status", nil, Caller{ChatID: 1})
	if res.Status != models.ToolStatusWarning {
		t.Errorf("status = %q, want warning passthrough", res.Status)
	}
}

func int64Ptr(v int64) *int64 { return &v }
