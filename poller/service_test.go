package poller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/freundallein/erpexport/chassis/logging"
	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/protocol"
	"github.com/freundallein/erpexport/chassis/transport"
)

type page struct {
	records []protocol.TaskRecord
	code    int
	err     error
}

type stubFetcher struct {
	mu     sync.Mutex
	pages  []page
	bodies []protocol.HistoryRequest
	calls  int
}

func (f *stubFetcher) PostJSON(ctx context.Context, url string, body, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.bodies = append(f.bodies, body.(protocol.HistoryRequest))
	p := f.pages[len(f.pages)-1]
	if f.calls <= len(f.pages) {
		p = f.pages[f.calls-1]
	}
	if p.err != nil {
		return p.err
	}
	response := protocol.HistoryResponse{Code: p.code}
	response.Data.Content = p.records
	raw, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func testConfig() Config {
	return Config{
		HistoryURL:      "http://erp/history",
		PageSize:        200,
		Interval:        5 * time.Millisecond,
		Tolerance:       5 * time.Second,
		DoneState:       1,
		KnownStates:     []int{0, 1},
		Location:        time.UTC,
		OperatorStoreID: 42,
		CompanyID:       7,
		Operator:        "robot",
	}
}

func newPoller(f Fetcher) (*Service, *metrics.Metrics) {
	m := metrics.New(nil)
	return New(f, testConfig(), m, logging.Discard()), m
}

func TestPollReturnsURLOnFirstIteration(t *testing.T) {
	now := time.Now().UTC()
	f := &stubFetcher{pages: []page{{records: []protocol.TaskRecord{
		{Name: "库存查询", State: 1, Schedule: 100, CreateTime: now.Format(protocol.CreateTimeLayout), URL: "https://oss/stock.xlsx"},
	}}}}
	s, _ := newPoller(f)
	url, err := s.Poll(context.Background(), "库存查询", now, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://oss/stock.xlsx" {
		t.Fatalf("unexpected url %q", url)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single fetch, got %d", f.calls)
	}
}

func TestPollWaitsForProgress(t *testing.T) {
	now := time.Now().UTC()
	created := now.Add(time.Second).Format(protocol.CreateTimeLayout)
	f := &stubFetcher{pages: []page{
		{},
		{records: []protocol.TaskRecord{{Name: "库存查询", State: 0, Schedule: 30, CreateTime: created}}},
		{records: []protocol.TaskRecord{{Name: "库存查询", State: 0, Schedule: 90, CreateTime: created}}},
		{records: []protocol.TaskRecord{{Name: "库存查询", State: 1, Schedule: 100, CreateTime: created, URL: "https://oss/a.xlsx"}}},
	}}
	s, m := newPoller(f)
	url, err := s.Poll(context.Background(), "库存查询", now, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://oss/a.xlsx" || f.calls != 4 {
		t.Fatalf("unexpected url %q after %d calls", url, f.calls)
	}
	if v := testutil.ToFloat64(m.Polls.WithLabelValues("in_progress")); v != 2 {
		t.Fatalf("expected 2 in-progress polls, got %v", v)
	}
}

func TestPollTimesOut(t *testing.T) {
	f := &stubFetcher{pages: []page{{records: []protocol.TaskRecord{{Name: "门店商品属性", CreateTime: ""}}}}}
	s, _ := newPoller(f)
	start := time.Now()
	_, err := s.Poll(context.Background(), "库存查询", start, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("poll overran its wait: %s", elapsed)
	}
}

func TestPollZeroWaitFailsImmediately(t *testing.T) {
	f := &stubFetcher{pages: []page{{}}}
	s, _ := newPoller(f)
	if _, err := s.Poll(context.Background(), "库存查询", time.Now(), 0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if f.calls != 0 {
		t.Fatalf("expected no fetch, got %d", f.calls)
	}
}

func TestPollAlreadyProcessingScenario(t *testing.T) {
	// the job was started by an earlier run two seconds before this submission
	since := time.Now().UTC()
	f := &stubFetcher{pages: []page{{records: []protocol.TaskRecord{
		{Name: "库存查询", State: 1, Schedule: 100, CreateTime: since.Add(-2 * time.Second).Format(protocol.CreateTimeLayout), URL: "https://x/y.xlsx"},
	}}}}
	s, _ := newPoller(f)
	url, err := s.Poll(context.Background(), "库存查询", since, time.Second)
	if err != nil || url != "https://x/y.xlsx" {
		t.Fatalf("expected https://x/y.xlsx, got %q %v", url, err)
	}
}

func TestPollCompletedWithoutURLIsFatal(t *testing.T) {
	now := time.Now().UTC()
	f := &stubFetcher{pages: []page{{records: []protocol.TaskRecord{
		{Name: "库存查询", State: 1, Schedule: 100, CreateTime: now.Format(protocol.CreateTimeLayout)},
	}}}}
	s, _ := newPoller(f)
	_, err := s.Poll(context.Background(), "库存查询", now, time.Second)
	if !errors.Is(err, ErrCompletedWithoutURL) {
		t.Fatalf("expected ErrCompletedWithoutURL, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected polling to stop, got %d calls", f.calls)
	}
}

func TestPollSurvivesFetchFailures(t *testing.T) {
	now := time.Now().UTC()
	f := &stubFetcher{pages: []page{
		{err: errors.New("connection reset")},
		{code: 500},
		{records: []protocol.TaskRecord{{Name: "库存查询", State: 1, Schedule: 100, CreateTime: now.Format(protocol.CreateTimeLayout), URL: "https://oss/a.xlsx"}}},
	}}
	s, m := newPoller(f)
	url, err := s.Poll(context.Background(), "库存查询", now, time.Second)
	if err != nil || url != "https://oss/a.xlsx" {
		t.Fatalf("expected url after transient failures, got %q %v", url, err)
	}
	if v := testutil.ToFloat64(m.Polls.WithLabelValues("fetch_failed")); v != 2 {
		t.Fatalf("expected 2 failed fetches, got %v", v)
	}
}

func TestPollFlagsUnknownStateOnce(t *testing.T) {
	now := time.Now().UTC()
	f := &stubFetcher{pages: []page{{records: []protocol.TaskRecord{
		{Name: "库存查询", State: 3, Schedule: 100, CreateTime: now.Format(protocol.CreateTimeLayout)},
	}}}}
	s, m := newPoller(f)
	_, err := s.Poll(context.Background(), "库存查询", now, 40*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if f.calls < 2 {
		t.Fatalf("expected several polls, got %d", f.calls)
	}
	if v := testutil.ToFloat64(m.UnknownStates); v != 1 {
		t.Fatalf("expected unknown state counted once, got %v", v)
	}
}

func TestPollHonoursCancel(t *testing.T) {
	f := &stubFetcher{pages: []page{{}}}
	s, _ := newPoller(f)
	s.cfg.Interval = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Poll(ctx, "库存查询", time.Now(), time.Hour)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestPollRequestBody(t *testing.T) {
	since := time.Date(2025, 11, 14, 23, 59, 50, 0, time.UTC)
	f := &stubFetcher{pages: []page{{}}}
	s, _ := newPoller(f)
	s.now = func() time.Time { return time.Date(2025, 11, 15, 0, 0, 5, 0, time.UTC) }
	if _, err := s.fetch(context.Background(), since); err != nil {
		t.Fatal(err)
	}
	body := f.bodies[0]
	if body.OperatorStoreID != 42 || body.CompanyID != 7 || body.Operator != "robot" {
		t.Fatalf("identity not carried: %+v", body)
	}
	if body.PageNumber != 0 || body.PageSize != 200 || body.TimeDesc != 0 {
		t.Fatalf("paging not carried: %+v", body)
	}
	if len(body.CreateTime) != 2 || body.CreateTime[0] != "2025-11-14" || body.CreateTime[1] != "2025-11-15" {
		t.Fatalf("create_time must span the submission day to today, got %v", body.CreateTime)
	}
	if body.StartTime != "2025-11-15T00:00:05.000Z" || body.EndTime != body.StartTime {
		t.Fatalf("unexpected start/end %q %q", body.StartTime, body.EndTime)
	}
}

func TestPollOverTransport(t *testing.T) {
	now := time.Now().UTC()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var request protocol.HistoryRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("decode history request: %v", err)
		}
		response := protocol.HistoryResponse{}
		response.Data.Content = []protocol.TaskRecord{
			{Name: "库存查询", State: 1, Schedule: 100, CreateTime: now.Format(protocol.CreateTimeLayout), URL: "https://oss/a.xlsx"},
		}
		json.NewEncoder(w).Encode(response)
	}))
	defer srv.Close()

	client := transport.New(transport.Config{
		Timeout:     time.Second,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		RateLimit:   100,
		RateBurst:   10,
	}, nil, logging.Discard())
	cfg := testConfig()
	cfg.HistoryURL = srv.URL
	s := New(client, cfg, nil, logging.Discard())
	url, err := s.Poll(context.Background(), "库存查询", now, time.Second)
	if err != nil || url != "https://oss/a.xlsx" {
		t.Fatalf("expected url, got %q %v", url, err)
	}
}

func TestPollDeadlineBoundsTransportRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(300 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := transport.New(transport.Config{
		Timeout:     time.Second,
		MaxAttempts: 3,
		RetryDelay:  200 * time.Millisecond,
		RateLimit:   100,
		RateBurst:   10,
	}, nil, logging.Discard())
	cfg := testConfig()
	cfg.HistoryURL = srv.URL
	m := metrics.New(nil)
	s := New(client, cfg, m, logging.Discard())

	start := time.Now()
	_, err := s.Poll(context.Background(), "库存查询", start, 100*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed > 250*time.Millisecond {
		t.Fatalf("poll overran its 100ms wait: %s", elapsed)
	}
	if v := testutil.ToFloat64(m.Polls.WithLabelValues("timeout")); v != 1 {
		t.Fatalf("expected one timeout poll, got %v", v)
	}
}
