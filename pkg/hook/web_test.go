package hook_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/opst/jobrunner/pkg/hook"
	"github.com/opst/jobrunner/pkg/utils/cmp"
	"github.com/opst/jobrunner/pkg/utils/try"
)

type Value struct {
	JobId  string `json:"jobId"`
	Result string `json:"result"`
}

type Resp struct {
	StatusCode  int
	ContentType string
	Content     string
}

type server struct {
	*httptest.Server
	m        sync.Mutex
	received []Value
}

func newServer(t *testing.T, resp Resp) *server {
	s := &server{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Error(err)
		}
		var got Value
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unexpected payload: %s", body)
		}
		s.m.Lock()
		s.received = append(s.received, got)
		s.m.Unlock()

		if resp.ContentType != "" {
			w.Header().Set("Content-Type", resp.ContentType)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Content != "" {
			w.Write([]byte(resp.Content))
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *server) invoked() int {
	s.m.Lock()
	defer s.m.Unlock()
	return len(s.received)
}

func TestWeb_Before(t *testing.T) {
	type When struct {
		resp1 Resp
		resp2 Resp
	}
	type Then struct {
		invoked1 int
		invoked2 int

		ret map[string]string
		err error
	}

	theory := func(when When, then Then) func(*testing.T) {
		return func(t *testing.T) {
			server1 := newServer(t, when.resp1)
			server2 := newServer(t, when.resp2)

			testee := hook.Web[Value, map[string]string]{
				BeforeURL: []*url.URL{
					try.To(url.Parse(server1.URL)).OrFatal(t),
					try.To(url.Parse(server2.URL)).OrFatal(t),
				},
				Merge: func(a, b map[string]string) map[string]string {
					ret := map[string]string{}
					for k, v := range a {
						ret[k] = v
					}
					for k, v := range b {
						ret[k] = v
					}
					return ret
				},
			}
			value := Value{JobId: "42"}
			ret, err := testee.Before(context.Background(), value)
			if !errors.Is(err, then.err) {
				t.Errorf("Want: %v, Got: %v", then.err, err)
			}

			if server1.invoked() != then.invoked1 {
				t.Errorf("server1: %d times", server1.invoked())
			}
			if server2.invoked() != then.invoked2 {
				t.Errorf("server2: %d times", server2.invoked())
			}
			if 0 < server1.invoked() && server1.received[0] != value {
				t.Errorf("unexpected payload: %+v", server1.received[0])
			}
			if !cmp.MapEq(ret, then.ret) {
				t.Errorf("Want: %v, Got: %v", then.ret, ret)
			}
		}
	}

	t.Run("responses of all hooks are merged", theory(
		When{
			resp1: Resp{StatusCode: http.StatusOK, ContentType: "application/json", Content: `{"a": "1"}`},
			resp2: Resp{StatusCode: http.StatusOK, ContentType: "application/json", Content: `{"b": "2"}`},
		},
		Then{invoked1: 1, invoked2: 1, ret: map[string]string{"a": "1", "b": "2"}},
	))

	t.Run("non-json responses are ignored", theory(
		When{
			resp1: Resp{StatusCode: http.StatusOK, ContentType: "application/json", Content: `{"a": "1"}`},
			resp2: Resp{StatusCode: http.StatusNoContent, ContentType: "text/plain"},
		},
		Then{invoked1: 1, invoked2: 1, ret: map[string]string{"a": "1"}},
	))

	t.Run("failure of the first hook stops the rest", theory(
		When{
			resp1: Resp{StatusCode: http.StatusNotFound},
			resp2: Resp{StatusCode: http.StatusOK},
		},
		Then{invoked1: 1, invoked2: 0, ret: map[string]string{}, err: hook.ErrHookFailed},
	))

	t.Run("failure of the second hook fails", theory(
		When{
			resp1: Resp{StatusCode: http.StatusOK, ContentType: "application/json", Content: `{"a": "1"}`},
			resp2: Resp{StatusCode: http.StatusInternalServerError, ContentType: "text/plain", Content: "oops"},
		},
		Then{invoked1: 1, invoked2: 1, ret: map[string]string{}, err: hook.ErrHookFailed},
	))
}

func TestWeb_After(t *testing.T) {
	t.Run("after hooks are called in order, with the value", func(t *testing.T) {
		server1 := newServer(t, Resp{StatusCode: http.StatusOK})
		server2 := newServer(t, Resp{StatusCode: http.StatusAccepted})

		testee := hook.Web[Value, struct{}]{
			AfterURL: []*url.URL{
				try.To(url.Parse(server1.URL)).OrFatal(t),
				try.To(url.Parse(server2.URL)).OrFatal(t),
			},
			Merge: func(a, b struct{}) struct{} { return struct{}{} },
		}
		value := Value{JobId: "42", Result: "ok"}
		if err := testee.After(context.Background(), value); err != nil {
			t.Fatal(err)
		}
		if server1.invoked() != 1 || server2.invoked() != 1 {
			t.Errorf("invoked: (%d, %d)", server1.invoked(), server2.invoked())
		}
		if server2.received[0] != value {
			t.Errorf("unexpected payload: %+v", server2.received[0])
		}
	})

	t.Run("after hooks do not call before hooks", func(t *testing.T) {
		server := newServer(t, Resp{StatusCode: http.StatusOK})
		testee := hook.Web[Value, struct{}]{
			BeforeURL: []*url.URL{try.To(url.Parse(server.URL)).OrFatal(t)},
		}
		if err := testee.After(context.Background(), Value{}); err != nil {
			t.Fatal(err)
		}
		if server.invoked() != 0 {
			t.Errorf("before hook is invoked")
		}
	})

	t.Run("unreachable hook fails", func(t *testing.T) {
		testee := hook.Web[Value, struct{}]{
			AfterURL: []*url.URL{try.To(url.Parse("http://somewhere.invalid")).OrFatal(t)},
		}
		if err := testee.After(context.Background(), Value{}); !errors.Is(err, hook.ErrHookFailed) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestFunc(t *testing.T) {
	t.Run("nil functions do nothing", func(t *testing.T) {
		testee := hook.Func[Value, int]{}
		if ret, err := testee.Before(context.Background(), Value{}); ret != 0 || err != nil {
			t.Errorf("unexpected: (%d, %v)", ret, err)
		}
		if err := testee.After(context.Background(), Value{}); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("errors are marked as hook failure", func(t *testing.T) {
		expectedErr := errors.New("fake error")
		testee := hook.Func[Value, int]{
			BeforeFn: func(context.Context, Value) (int, error) { return 0, expectedErr },
			AfterFn:  func(context.Context, Value) error { return expectedErr },
		}
		if _, err := testee.Before(context.Background(), Value{}); !errors.Is(err, expectedErr) || !errors.Is(err, hook.ErrHookFailed) {
			t.Errorf("unexpected error: %v", err)
		}
		if err := testee.After(context.Background(), Value{}); !errors.Is(err, expectedErr) || !errors.Is(err, hook.ErrHookFailed) {
			t.Errorf("unexpected error: %v", err)
		}
	})
}
