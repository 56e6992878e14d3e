package hostbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/pyfast/engine/core/http"
)

func testBridge(t *testing.T, cfg Config) *Bridge {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	b := New(cfg)
	t.Cleanup(b.Close)
	return b
}

func testRequest(method, path string) *http.Request {
	return &http.Request{Method: method, Path: path, Proto: "HTTP/1.1", Headers: make(http.Headers)}
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("error body %q: %v", resp.Body, err)
	}
	return body["error"]
}

func TestExecuteSerializesHostCalls(t *testing.T) {
	b := testBridge(t, Config{})

	var active, overlapped, completed atomic.Int32
	callable := CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
		if active.Add(1) > 1 {
			overlapped.Store(1)
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)
		completed.Add(1)
		return nil, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		mode := ModeSync
		if i%2 == 1 {
			mode = ModeAsync
		}
		wg.Add(1)
		go func(mode ExecMode) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				resp := b.Execute(context.Background(), callable, mode, testRequest("GET", "/x"))
				if resp.Status != 204 {
					t.Errorf("status = %d, want 204", resp.Status)
				}
			}
		}(mode)
	}
	wg.Wait()

	if overlapped.Load() != 0 {
		t.Error("two host calls ran at the same time")
	}
	if got := completed.Load(); got != 40 {
		t.Errorf("completed %d calls, want 40", got)
	}
}

func TestExecuteResultConversions(t *testing.T) {
	b := testBridge(t, Config{})

	tests := []struct {
		name        string
		result      any
		wantStatus  int
		wantType    string
		wantBody    string
		skipBodyCmp bool
	}{
		{"string", "hello", 200, "text/plain; charset=utf-8", "hello", false},
		{"bytes", []byte{1, 2, 3}, 200, "application/octet-stream", "\x01\x02\x03", false},
		{"nil", nil, 204, "", "", false},
		{"typed nil response", (*http.Response)(nil), 204, "", "", false},
		{"json fallback", map[string]string{"a": "b"}, 200, "application/json", `{"a":"b"}`, false},
		{"proto message", wrapperspb.String("abc"), 200, "application/x-protobuf", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := b.Execute(context.Background(),
				CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
					return tt.result, nil
				}), ModeSync, testRequest("GET", "/convert"))

			if resp.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.Status, tt.wantStatus)
			}
			if got := resp.Headers.Get("Content-Type"); got != tt.wantType {
				t.Errorf("Content-Type = %q, want %q", got, tt.wantType)
			}
			if !tt.skipBodyCmp && string(resp.Body) != tt.wantBody {
				t.Errorf("body = %q, want %q", resp.Body, tt.wantBody)
			}
		})
	}
}

func TestExecuteResponsePassthrough(t *testing.T) {
	b := testBridge(t, Config{})
	custom := http.TextResponse(418, "short and stout")
	resp := b.Execute(context.Background(),
		CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
			return custom, nil
		}), ModeSync, testRequest("GET", "/teapot"))

	if resp != custom {
		t.Error("explicit response was rebuilt instead of passed through")
	}
	if resp.Status != 418 || string(resp.Body) != "short and stout" {
		t.Errorf("response = %d %q", resp.Status, resp.Body)
	}
}

func TestExecuteProtoResultRoundTrips(t *testing.T) {
	b := testBridge(t, Config{})
	resp := b.Execute(context.Background(),
		CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
			return wrapperspb.String("wire format"), nil
		}), ModeSync, testRequest("GET", "/proto"))

	var decoded wrapperspb.StringValue
	if err := proto.Unmarshal(resp.Body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.GetValue() != "wire format" {
		t.Errorf("decoded = %q, want %q", decoded.GetValue(), "wire format")
	}
}

func TestExecuteHandlerErrorKeepsStatus(t *testing.T) {
	b := testBridge(t, Config{})
	resp := b.Execute(context.Background(),
		CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
			return nil, NewHandlerError(422, "field %q is required", "name")
		}), ModeSync, testRequest("POST", "/validate"))

	if resp.Status != 422 {
		t.Errorf("status = %d, want 422", resp.Status)
	}
	if got := errorBody(t, resp); got != `field "name" is required` {
		t.Errorf("error = %q", got)
	}
}

func TestHandlerErrorMessageFallsBackToStatusText(t *testing.T) {
	err := &HandlerError{Status: 404}
	if err.Error() != "Not Found" {
		t.Errorf("Error() = %q, want %q", err.Error(), "Not Found")
	}
}

func TestExecuteGenericErrorHidesDetail(t *testing.T) {
	secret := errors.New("password for db is hunter2")
	fail := CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
		return nil, secret
	})

	hidden := testBridge(t, Config{})
	resp := hidden.Execute(context.Background(), fail, ModeSync, testRequest("GET", "/fail"))
	if resp.Status != 500 {
		t.Errorf("status = %d, want 500", resp.Status)
	}
	if got := errorBody(t, resp); got != "internal server error" {
		t.Errorf("error = %q, handler detail must stay in the log", got)
	}

	exposed := testBridge(t, Config{ExposeErrors: true})
	resp = exposed.Execute(context.Background(), fail, ModeSync, testRequest("GET", "/fail"))
	if got := errorBody(t, resp); got != secret.Error() {
		t.Errorf("error = %q, want the handler error with ExposeErrors", got)
	}
}

func TestExecutePanicBecomes500(t *testing.T) {
	b := testBridge(t, Config{})

	for _, mode := range []ExecMode{ModeSync, ModeAsync} {
		resp := b.Execute(context.Background(),
			CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
				panic("handler exploded")
			}), mode, testRequest("GET", "/panic"))

		if resp.Status != 500 {
			t.Errorf("%s: status = %d, want 500", mode, resp.Status)
		}
		if got := errorBody(t, resp); got != "internal server error" {
			t.Errorf("%s: panic value leaked: %q", mode, got)
		}
	}

	// The bridge keeps serving after panics.
	resp := b.Execute(context.Background(),
		CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
			return "still alive", nil
		}), ModeSync, testRequest("GET", "/after"))
	if resp.Status != 200 || string(resp.Body) != "still alive" {
		t.Errorf("follow-up = %d %q", resp.Status, resp.Body)
	}
}

func TestSyncTimeoutDiscardsLateResult(t *testing.T) {
	b := testBridge(t, Config{CallTimeout: 30 * time.Millisecond})

	var finished atomic.Bool
	resp := b.Execute(context.Background(),
		CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
			time.Sleep(120 * time.Millisecond)
			finished.Store(true)
			return "too late", nil
		}), ModeSync, testRequest("GET", "/slow"))

	if resp.Status != 504 {
		t.Errorf("status = %d, want 504", resp.Status)
	}
	if got := errorBody(t, resp); got != "handler timed out" {
		t.Errorf("error = %q", got)
	}
	if !finished.Load() {
		t.Error("sync call was interrupted; it must run to completion and be discarded")
	}
}

func TestAsyncTimeoutAbandonsOrphan(t *testing.T) {
	b := testBridge(t, Config{CallTimeout: 30 * time.Millisecond})

	var finished atomic.Int32
	start := time.Now()
	resp := b.Execute(context.Background(),
		CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
			time.Sleep(150 * time.Millisecond)
			finished.Add(1)
			return "orphan", nil
		}), ModeAsync, testRequest("GET", "/slow"))

	if resp.Status != 504 {
		t.Fatalf("status = %d, want 504", resp.Status)
	}
	if waited := time.Since(start); waited > 120*time.Millisecond {
		t.Errorf("worker waited %v for an abandoned call", waited)
	}

	// The orphan completes on the loop as a no-op.
	deadline := time.Now().Add(2 * time.Second)
	for finished.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if finished.Load() != 1 {
		t.Error("abandoned call never completed on the run loop")
	}
}

func TestCallAfterClose(t *testing.T) {
	b := testBridge(t, Config{})
	b.Close()

	if _, err := b.Call(context.Background(), ModeSync, func(ctx context.Context) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrClosed) {
		t.Errorf("Call after Close = %v, want ErrClosed", err)
	}

	resp := b.Execute(context.Background(),
		CallableFunc(func(ctx context.Context, req *http.Request) (any, error) {
			return "never", nil
		}), ModeSync, testRequest("GET", "/late"))
	if resp.Status != 503 {
		t.Errorf("Execute after Close = %d, want 503", resp.Status)
	}
}

func TestCloseDrainsQueuedAsyncCalls(t *testing.T) {
	b := testBridge(t, Config{})

	var completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Call(context.Background(), ModeAsync, func(ctx context.Context) (any, error) {
				time.Sleep(10 * time.Millisecond)
				completed.Add(1)
				return nil, nil
			})
			if err != nil {
				t.Errorf("queued call failed: %v", err)
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	b.Close()
	wg.Wait()

	if got := completed.Load(); got != 3 {
		t.Errorf("%d calls completed, want 3 (Close drains the queue)", got)
	}
}

func TestCodecs(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		c := JSONCodec{}
		if c.Name() != "json" || c.ContentType() != "application/json" {
			t.Errorf("identity = %q %q", c.Name(), c.ContentType())
		}
		body, err := c.Encode(map[string]int{"n": 7})
		if err != nil || string(body) != `{"n":7}` {
			t.Errorf("Encode = %q, %v", body, err)
		}
	})

	t.Run("protobuf", func(t *testing.T) {
		c := ProtoCodec{}
		if c.ContentType() != "application/x-protobuf" {
			t.Errorf("ContentType = %q", c.ContentType())
		}
		body, err := c.Encode(wrapperspb.Int64(42))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		var decoded wrapperspb.Int64Value
		if err := proto.Unmarshal(body, &decoded); err != nil || decoded.GetValue() != 42 {
			t.Errorf("round trip = %d, %v", decoded.GetValue(), err)
		}

		if _, err := c.Encode("not a message"); err == nil {
			t.Error("Encode accepted a non-proto value")
		}
	})
}

func TestExecModeString(t *testing.T) {
	if fmt.Sprint(ModeSync) != "sync" || fmt.Sprint(ModeAsync) != "async" {
		t.Errorf("mode labels = %q %q", ModeSync, ModeAsync)
	}
}
