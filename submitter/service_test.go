package submitter

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/freundallein/erpexport/chassis/logging"
	"github.com/freundallein/erpexport/chassis/metrics"
	"github.com/freundallein/erpexport/chassis/transport"
)

type stubPoster struct {
	calls int
	body  string
	err   error
}

func (p *stubPoster) PostJSONOnce(ctx context.Context, url string, body, out interface{}) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	return json.Unmarshal([]byte(p.body), out)
}

func newService(p Poster) (*Service, *metrics.Metrics) {
	m := metrics.New(nil)
	return New(p, Config{ProcessingCode: 2006}, m, logging.Discard()), m
}

func TestSubmitInterpretsCodes(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		err       error
		want      Outcome
		submitted bool
	}{
		{"accepted", `{"code":0}`, nil, Accepted, true},
		{"processing", `{"code":2006,"msg":"processing"}`, nil, AlreadyProcessing, true},
		{"rejected", `{"code":1001,"msg":"bad params"}`, nil, Rejected, false},
		{"negative code", `{"code":-1}`, nil, Rejected, false},
		{"timeout", "", errors.New("http request: timeout"), Assumed, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &stubPoster{body: tc.body, err: tc.err}
			s, _ := newService(p)
			got := s.Submit(context.Background(), "http://erp/export", map[string]interface{}{"page_size": 200})
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if got.Submitted() != tc.submitted {
				t.Fatalf("Submitted() = %v", got.Submitted())
			}
			if p.calls != 1 {
				t.Fatalf("expected exactly one call, got %d", p.calls)
			}
		})
	}
}

func TestSubmitCanceledContextIsRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, _ := newService(&stubPoster{err: context.Canceled})
	if got := s.Submit(ctx, "http://erp/export", nil); got != Rejected {
		t.Fatalf("expected rejected on canceled context, got %s", got)
	}
}

func TestSubmitOverHTTPDoesNotRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := transport.New(transport.Config{
		Timeout:     time.Second,
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
		RateLimit:   100,
		RateBurst:   10,
	}, nil, logging.Discard())
	s, m := newService(client)
	if got := s.Submit(context.Background(), srv.URL, map[string]interface{}{}); got != Assumed {
		t.Fatalf("expected assumed for a 502, got %s", got)
	}
	if calls != 1 {
		t.Fatalf("submission retried: %d calls", calls)
	}
	if v := testutil.ToFloat64(m.Submissions.WithLabelValues("assumed")); v != 1 {
		t.Fatalf("expected assumed counter 1, got %v", v)
	}
}
