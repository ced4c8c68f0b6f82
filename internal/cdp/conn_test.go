package cdp_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/cdp"
	"github.com/roelfdiedericks/chromewire/internal/cdp/cdptest"
	"github.com/roelfdiedericks/chromewire/internal/metrics"
)

func dial(t *testing.T, srv *cdptest.Server, opts cdp.Options) *cdp.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if opts.Name == "" {
		opts.Name = "test"
	}
	conn, err := cdp.Dial(ctx, srv.BrowserURL(), opts)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitCalls(t *testing.T, srv *cdptest.Server, method string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for srv.CallCount(method) < n {
		if time.Now().After(deadline) {
			t.Fatalf("server saw %d %s calls, want %d", srv.CallCount(method), method, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type heldRequest struct {
	conn *cdptest.Conn
	req  cdptest.Request
}

// holdReplies makes method unanswered; the returned func lists what was held.
func holdReplies(srv *cdptest.Server, method string) func() []heldRequest {
	var mu sync.Mutex
	var held []heldRequest
	srv.Handle(method, func(c *cdptest.Conn, req cdptest.Request) (any, error) {
		mu.Lock()
		held = append(held, heldRequest{conn: c, req: req})
		mu.Unlock()
		return nil, cdptest.ErrNoReply
	})
	return func() []heldRequest {
		mu.Lock()
		defer mu.Unlock()
		out := make([]heldRequest, len(held))
		copy(out, held)
		return out
	}
}

func TestSendCorrelatesOutOfOrderResponses(t *testing.T) {
	srv := cdptest.NewServer(t)
	held := holdReplies(srv, "Test.echo")
	conn := dial(t, srv, cdp.Options{})

	const n = 32
	type result struct {
		want int
		got  int
		err  error
	}
	results := make(chan result, n)

	for i := 0; i < n; i++ {
		go func(i int) {
			var out struct {
				N int `json:"n"`
			}
			err := conn.Call(context.Background(), "Test.echo", map[string]int{"n": i}, &out)
			results <- result{want: i, got: out.N, err: err}
		}(i)
	}

	waitCalls(t, srv, "Test.echo", n)

	reqs := held()
	rand.Shuffle(len(reqs), func(i, j int) { reqs[i], reqs[j] = reqs[j], reqs[i] })
	for _, h := range reqs {
		var p struct {
			N int `json:"n"`
		}
		if err := h.req.Decode(&p); err != nil {
			t.Fatalf("decode params: %v", err)
		}
		h.conn.Reply(h.req.ID, map[string]int{"n": p.N})
	}

	for i := 0; i < n; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("command %d: %v", r.want, r.err)
		}
		if r.got != r.want {
			t.Errorf("command %d resolved with %d", r.want, r.got)
		}
	}
}

func TestTimeoutDoesNotAffectOtherCommands(t *testing.T) {
	srv := cdptest.NewServer(t)
	held := holdReplies(srv, "Test.slow")
	rec := metrics.NewRecorder()
	conn := dial(t, srv, cdp.Options{Metrics: rec})

	longDone := make(chan error, 1)
	var longResult json.RawMessage
	go func() {
		raw, err := conn.SendTimeout(context.Background(), "Test.slow", map[string]string{"which": "long"}, 5*time.Second)
		longResult = raw
		longDone <- err
	}()
	waitCalls(t, srv, "Test.slow", 1)

	start := time.Now()
	_, err := conn.SendTimeout(context.Background(), "Test.slow", map[string]string{"which": "short"}, 50*time.Millisecond)
	if !errors.Is(err, cdp.ErrTimeout) {
		t.Fatalf("short command error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("TimeoutError should match context.DeadlineExceeded")
	}
	var terr *cdp.TimeoutError
	if !errors.As(err, &terr) || terr.Method != "Test.slow" {
		t.Errorf("errors.As TimeoutError = %+v", terr)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("timed out after %s, before the 50ms deadline", elapsed)
	}

	// answer both; the short one is late and must be dropped
	for _, h := range held() {
		h.conn.Reply(h.req.ID, map[string]bool{"ok": true})
	}

	select {
	case err := <-longDone:
		if err != nil {
			t.Fatalf("long command: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("long command never resolved")
	}
	if string(longResult) != `{"ok":true}` {
		t.Errorf("long result = %s", longResult)
	}

	deadline := time.Now().Add(2 * time.Second)
	for conn.LateResponses() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := conn.LateResponses(); got != 1 {
		t.Errorf("LateResponses = %d, want 1", got)
	}
	if got := rec.Outcome("cdp", "send", "timeout"); got != 1 {
		t.Errorf("timeout outcome = %d, want 1", got)
	}
}

func TestCloseFailsEveryPendingCommand(t *testing.T) {
	srv := cdptest.NewServer(t)
	holdReplies(srv, "Test.never")
	conn := dial(t, srv, cdp.Options{})

	var closeCalls atomic.Int32
	conn.OnClose(func(error) { closeCalls.Add(1) })

	const k = 7
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := conn.SendTimeout(context.Background(), "Test.never", nil, time.Minute)
			errs <- err
		}()
	}
	waitCalls(t, srv, "Test.never", k)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	for i := 0; i < k; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, cdp.ErrTransport) || !errors.Is(err, cdp.ErrConnectionClosed) {
				t.Errorf("pending command error = %v, want transport/closed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending command hung after Close")
		}
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done not closed after Close")
	}

	deadline := time.Now().Add(2 * time.Second)
	for closeCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := closeCalls.Load(); got != 1 {
		t.Errorf("OnClose ran %d times, want 1", got)
	}

	if _, err := conn.Send(context.Background(), "Test.after", nil); !errors.Is(err, cdp.ErrTransport) {
		t.Errorf("Send after Close = %v, want transport error", err)
	}
}

func TestRemoteDropFailsPending(t *testing.T) {
	srv := cdptest.NewServer(t)
	holdReplies(srv, "Test.never")
	conn := dial(t, srv, cdp.Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.SendTimeout(context.Background(), "Test.never", nil, time.Minute)
		errCh <- err
	}()
	waitCalls(t, srv, "Test.never", 1)

	srv.DropConnections()

	select {
	case err := <-errCh:
		if !errors.Is(err, cdp.ErrConnectionClosed) {
			t.Fatalf("error = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending command hung after remote drop")
	}
	<-conn.Done()
	if conn.Err() == nil {
		t.Error("Err() should report the close cause")
	}
}

func TestProtocolErrorCarriesCodeAndMessage(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.Handle("Test.fail", func(*cdptest.Conn, cdptest.Request) (any, error) {
		return nil, &cdp.ProtocolError{Code: -32601, Message: "'Test.fail' wasn't found"}
	})
	conn := dial(t, srv, cdp.Options{})

	_, err := conn.Send(context.Background(), "Test.fail", nil)
	var perr *cdp.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if perr.Code != -32601 || perr.Message != "'Test.fail' wasn't found" || perr.Method != "Test.fail" {
		t.Errorf("unexpected ProtocolError %+v", perr)
	}
	if !cdp.IsRetryable(err) {
		t.Error("protocol errors should be reported as retryable")
	}
	if errors.Is(err, cdp.ErrTransport) {
		t.Error("protocol error must not match ErrTransport")
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv, cdp.Options{})

	sub := conn.Subscribe("Test.tick")
	defer sub.Unsubscribe()

	var mu sync.Mutex
	var viaListener []int
	conn.On("Test.tick", func(json.RawMessage) { panic("listener failure") })
	conn.On("Test.tick", func(p json.RawMessage) {
		var v struct{ N int }
		_ = json.Unmarshal(p, &v)
		mu.Lock()
		viaListener = append(viaListener, v.N)
		mu.Unlock()
	})

	server := srv.NextConn(2 * time.Second)
	for i := 1; i <= 3; i++ {
		server.Emit("Test.tick", map[string]int{"N": i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for want := 1; want <= 3; want++ {
		raw, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		var v struct{ N int }
		if err := json.Unmarshal(raw, &v); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if v.N != want {
			t.Fatalf("queue delivered %d, want %d", v.N, want)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(viaListener)
		mu.Unlock()
		if n == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(viaListener) != 3 || viaListener[0] != 1 || viaListener[1] != 2 || viaListener[2] != 3 {
		t.Errorf("listener saw %v, want [1 2 3] despite a panicking sibling", viaListener)
	}
}

func TestWaitForTimesOutAndFilters(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv, cdp.Options{})

	_, err := conn.WaitFor(context.Background(), "Test.never", 30*time.Millisecond)
	if !errors.Is(err, cdp.ErrTimeout) {
		t.Fatalf("WaitFor = %v, want ErrTimeout", err)
	}

	server := srv.NextConn(2 * time.Second)
	go func() {
		time.Sleep(20 * time.Millisecond)
		server.Emit("Test.target", map[string]string{"id": "a"})
		server.Emit("Test.target", map[string]string{"id": "b"})
	}()

	raw, err := conn.WaitForFunc(context.Background(), "Test.target", 2*time.Second, func(p json.RawMessage) bool {
		var v struct{ ID string }
		_ = json.Unmarshal(p, &v)
		return v.ID == "b"
	})
	if err != nil {
		t.Fatalf("WaitForFunc: %v", err)
	}
	if string(raw) != `{"id":"b"}` {
		t.Errorf("WaitForFunc returned %s", raw)
	}
}

func TestOffStopsDelivery(t *testing.T) {
	srv := cdptest.NewServer(t)
	conn := dial(t, srv, cdp.Options{})

	var count atomic.Int32
	id := conn.On("Test.ping", func(json.RawMessage) { count.Add(1) })
	conn.Off("Test.ping", id)

	sub := conn.Subscribe("Test.ping")
	defer sub.Unsubscribe()

	server := srv.NextConn(2 * time.Second)
	server.Emit("Test.ping", map[string]int{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); err != nil {
		t.Fatalf("Next: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := count.Load(); got != 0 {
		t.Errorf("removed listener ran %d times", got)
	}
}

func TestDialRejectedHandshake(t *testing.T) {
	srv := cdptest.NewServer(t)
	srv.RemoveTarget("gone")

	_, err := cdp.Dial(context.Background(), srv.PageURL("gone"), cdp.Options{})
	var terr *cdp.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Dial error = %v, want TransportError", err)
	}
	if terr.Op != "dial" || terr.StatusCode != 404 {
		t.Errorf("unexpected TransportError %+v", terr)
	}
}
