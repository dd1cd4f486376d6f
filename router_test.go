package sandbox

import (
	"context"
	"reflect"
	"testing"

	"github.com/petal-labs/sandbox/builtin"
	"github.com/petal-labs/sandbox/tool"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  ToolCallResult
	}{
		{name: "plain string", value: "done", want: ToolCallResult{Success: true, Data: "done"}},
		{name: "error string", value: "Error: no such file", want: ToolCallResult{Error: "Error: no such file"}},
		{name: "nil", value: nil, want: ToolCallResult{Success: true}},
		{name: "list", value: []string{"a"}, want: ToolCallResult{Success: true, Data: []string{"a"}}},
		{
			name:  "map without success",
			value: map[string]any{"x": 1},
			want:  ToolCallResult{Success: true, Data: map[string]any{"x": 1}},
		},
		{
			name:  "map with data",
			value: map[string]any{"success": true, "data": "payload"},
			want:  ToolCallResult{Success: true, Data: "payload"},
		},
		{
			name:  "failure with message",
			value: map[string]any{"success": false, "message": "timed out"},
			want:  ToolCallResult{Data: map[string]any{"success": false, "message": "timed out"}, Error: "timed out"},
		},
		{
			name:  "failure without message",
			value: map[string]any{"success": false},
			want:  ToolCallResult{Data: map[string]any{"success": false}, Error: "call failed"},
		},
		{
			name:  "explicit error wins",
			value: map[string]any{"success": false, "error": "boom", "message": "ignored"},
			want:  ToolCallResult{Data: map[string]any{"success": false, "error": "boom", "message": "ignored"}, Error: "boom"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.value); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Normalize() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

type fakeBuiltin struct {
	calls int
	out   any
}

func (f *fakeBuiltin) Service() string                    { return "filesystem" }
func (f *fakeBuiltin) Descriptors() []tool.ToolDescriptor { return nil }
func (f *fakeBuiltin) Execute(context.Context, string, map[string]any) any {
	f.calls++
	return f.out
}

type fakeRemote struct {
	reqs []tool.CallRequest
	res  tool.CallResult
}

func (f *fakeRemote) CallTool(_ context.Context, reqs []tool.CallRequest, _ tool.CallContext) []tool.CallResult {
	f.reqs = append(f.reqs, reqs...)
	out := f.res
	out.ToolName, out.ActionName = reqs[0].Server, reqs[0].Tool
	return []tool.CallResult{out}
}

func TestRouterLocalIgnoresServerConfig(t *testing.T) {
	impl := &fakeBuiltin{out: "listing"}
	remote := &fakeRemote{}
	servers := tool.MCPConfig{Servers: map[string]tool.ServerDefinition{"filesystem": {Type: tool.TransportAPI, URL: "http://x"}}}
	router := NewBuiltinToolRouter("bogus", servers, remote, nil)
	if router.Mode() != ModeLocal {
		t.Fatalf("Mode() = %q, want local", router.Mode())
	}

	got := router.Route(context.Background(), "filesystem", "list_directory", impl, nil, tool.CallContext{})
	if !got.Success || got.Data != "listing" || impl.calls != 1 || len(remote.reqs) != 0 {
		t.Fatalf("Route() = %#v, impl calls %d, remote calls %d", got, impl.calls, len(remote.reqs))
	}

	missing := router.Route(context.Background(), "terminal", "run_code", nil, nil, tool.CallContext{})
	if missing.Success {
		t.Fatalf("Route() without impl = %#v", missing)
	}
}

func TestRouterRemote(t *testing.T) {
	impl := &fakeBuiltin{out: "local"}
	remote := &fakeRemote{res: tool.CallResult{Success: true, Data: map[string]any{"success": true, "data": "remote"}}}
	servers := tool.MCPConfig{Servers: map[string]tool.ServerDefinition{"filesystem": {Type: tool.TransportFunction}}}
	router := NewBuiltinToolRouter(ModeRemote, servers, remote, nil)

	got := router.Route(context.Background(), "filesystem", "read_file", impl, map[string]any{"path": "a"}, tool.CallContext{})
	if !got.Success || got.Data != "remote" || impl.calls != 0 {
		t.Fatalf("Route() = %#v, impl calls %d", got, impl.calls)
	}
	if len(remote.reqs) != 1 || remote.reqs[0].Params["path"] != "a" {
		t.Fatalf("remote requests = %#v", remote.reqs)
	}

	unconfigured := router.Call(context.Background(), tool.CallRequest{Server: "terminal", Tool: "run_code"}, impl, tool.CallContext{})
	if unconfigured.Success || impl.calls != 0 || len(remote.reqs) != 1 {
		t.Fatalf("Call() for unconfigured service = %#v", unconfigured)
	}
	if unconfigured.ErrorCode != tool.ToolErrorCodeInvocationFailed || unconfigured.ToolName != "terminal" {
		t.Fatalf("unconfigured result = %#v", unconfigured)
	}

	remote.res = tool.CallResult{Success: true, Data: builtin.ErrorPrefix + " denied"}
	denied := router.Route(context.Background(), "filesystem", "write_file", impl, nil, tool.CallContext{})
	if denied.Success || denied.Error != "Error: denied" {
		t.Fatalf("Route() with remote error string = %#v", denied)
	}
}
