package assistant

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	mu      sync.Mutex
	calls   int
	replies []stubReply
}

type stubReply struct {
	result *Result
	err    error
}

func (b *stubBackend) Process(ctx context.Context, emailText string) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r := b.replies[b.calls%len(b.replies)]
	b.calls++
	return r.result, r.err
}

func intPtr(n int) *int { return &n }

func TestSubmitIgnoresEmptyText(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	for _, text := range []string{"", " ", "\n\t  \n"} {
		var changes int
		form := NewForm(NewHTTPClient(srv.URL), WithOnChange(func(State) { changes++ }))
		form.Restore(State{
			EmailText:  text,
			Category:   "Old",
			Reply:      "Old reply",
			TokensUsed: intPtr(7),
			Error:      "",
			Phase:      PhaseSucceeded,
		})
		before := form.Snapshot()

		after, sent := form.Submit(context.Background())

		assert.False(t, sent)
		assert.Empty(t, cmp.Diff(before, after))
		assert.Empty(t, cmp.Diff(before, form.Snapshot()))
		assert.Zero(t, changes)
	}
	assert.Zero(t, hits.Load())
}

func TestSubmitSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"category":"Support","reply":"Thanks for reaching out.","tokens_used":42}`)
	}))
	defer srv.Close()

	form := NewForm(NewHTTPClient(srv.URL))
	form.SetEmailText("Where is my parcel?")

	got, sent := form.Submit(context.Background())
	require.True(t, sent)

	want := State{
		EmailText:  "Where is my parcel?",
		Category:   "Support",
		Reply:      "Thanks for reaching out.",
		TokensUsed: intPtr(42),
		Phase:      PhaseSucceeded,
	}
	assert.Empty(t, cmp.Diff(want, got))
	assert.Empty(t, cmp.Diff(want, form.Snapshot()))
}

func TestSubmitBackendRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"with detail", `{"detail":"Model unavailable"}`, "Model unavailable"},
		{"without detail", `{"error":"boom"}`, FallbackMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			form := NewForm(NewHTTPClient(srv.URL))
			form.SetEmailText("hello")
			got, sent := form.Submit(context.Background())

			require.True(t, sent)
			assert.Equal(t, tt.want, got.Error)
			assert.Empty(t, got.Category)
			assert.Empty(t, got.Reply)
			assert.Nil(t, got.TokensUsed)
			assert.False(t, got.Loading)
			assert.Equal(t, PhaseFailed, got.Phase)
		})
	}
}

func TestSubmitNetworkFailure(t *testing.T) {
	backend := &stubBackend{replies: []stubReply{{err: errors.New("Failed to fetch")}}}
	form := NewForm(backend)
	form.SetEmailText("hello")

	got, sent := form.Submit(context.Background())
	require.True(t, sent)
	assert.Equal(t, "Failed to fetch", got.Error)
	assert.False(t, got.Loading)
	assert.Equal(t, PhaseFailed, got.Phase)
}

func TestSubmitLoadingDuringRequest(t *testing.T) {
	var seen []State
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, `{"category":"Work","reply":"ok","tokens_used":1}`)
	}))
	defer srv.Close()

	form := NewForm(NewHTTPClient(srv.URL), WithOnChange(func(s State) { seen = append(seen, s) }))
	form.Restore(State{EmailText: "hello", Error: "stale error", Category: "Stale", Phase: PhaseFailed})

	done := make(chan State)
	go func() {
		s, _ := form.Submit(context.Background())
		done <- s
	}()

	require.Eventually(t, func() bool { return form.Snapshot().Loading }, testTimeout, testTick)
	during := form.Snapshot()
	assert.Empty(t, during.Error)
	assert.Empty(t, during.Category)
	assert.Equal(t, PhaseSubmitting, during.Phase)

	close(release)
	final := <-done
	assert.False(t, final.Loading)
	assert.Equal(t, "Work", final.Category)

	require.Len(t, seen, 2)
	assert.True(t, seen[0].Loading)
	assert.False(t, seen[1].Loading)
}

func TestSubmitSecondCallReplacesFirst(t *testing.T) {
	backend := &stubBackend{replies: []stubReply{
		{err: &BackendError{StatusCode: 500, Detail: "Model unavailable"}},
		{result: &Result{Category: "Finance", Reply: "Invoice attached.", TokensUsed: intPtr(12)}},
	}}
	form := NewForm(backend)
	form.SetEmailText("invoice please")

	first, _ := form.Submit(context.Background())
	assert.Equal(t, "Model unavailable", first.Error)

	second, _ := form.Submit(context.Background())
	want := State{
		EmailText:  "invoice please",
		Category:   "Finance",
		Reply:      "Invoice attached.",
		TokensUsed: intPtr(12),
		Phase:      PhaseSucceeded,
	}
	assert.Empty(t, cmp.Diff(want, second))
}

func TestSubmitIdenticalSuccessesKeepOnlyLatest(t *testing.T) {
	backend := &stubBackend{replies: []stubReply{
		{result: &Result{Category: "Support", Reply: "first", TokensUsed: intPtr(1)}},
		{result: &Result{Category: "Support", Reply: "second", TokensUsed: intPtr(2)}},
	}}
	form := NewForm(backend)
	form.SetEmailText("same text")

	form.Submit(context.Background())
	got, _ := form.Submit(context.Background())

	assert.Equal(t, "second", got.Reply)
	assert.Equal(t, 2, *got.TokensUsed)
	assert.Equal(t, 2, backend.calls)
}

func TestSubmitNotifiesObservers(t *testing.T) {
	backend := &stubBackend{replies: []stubReply{
		{result: &Result{Category: "Personal", Reply: "See you", TokensUsed: intPtr(5), StatusCode: 200}},
	}}

	var subs []Submission
	form := NewForm(backend,
		WithSource(SourceCLI),
		WithObservers(ObserverFunc(func(ctx context.Context, s Submission) { subs = append(subs, s) })),
	)
	form.SetEmailText("dinner?")
	form.Submit(context.Background())

	require.Len(t, subs, 1)
	s := subs[0]
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, SourceCLI, s.Source)
	assert.Equal(t, "dinner?", s.EmailText)
	assert.Equal(t, "Personal", s.Category)
	assert.Equal(t, 200, s.StatusCode)
	assert.Equal(t, "success", s.Outcome())
}

type gatedBackend struct {
	gates map[string]chan *Result
}

func (b *gatedBackend) Process(ctx context.Context, emailText string) (*Result, error) {
	return <-b.gates[emailText], nil
}

func TestOverlappingSubmitsLastSettledWins(t *testing.T) {
	backend := &gatedBackend{gates: map[string]chan *Result{
		"one": make(chan *Result),
		"two": make(chan *Result),
	}}
	form := NewForm(backend)

	var wg sync.WaitGroup
	submit := func(text string) {
		form.SetEmailText(text)
		wg.Add(1)
		go func() {
			defer wg.Done()
			form.Submit(context.Background())
		}()
	}

	submit("one")
	require.Eventually(t, func() bool { return form.Snapshot().Loading }, testTimeout, testTick)
	submit("two")
	// give the second submission time to dispatch
	require.Eventually(t, func() bool {
		s := form.Snapshot()
		return s.Loading && s.EmailText == "two"
	}, testTimeout, testTick)

	backend.gates["two"] <- &Result{Category: "Two"}
	require.Eventually(t, func() bool { return form.Snapshot().Category == "Two" }, testTimeout, testTick)
	assert.True(t, form.Snapshot().Loading, "first request still in flight")

	backend.gates["one"] <- &Result{Category: "One"}
	wg.Wait()

	final := form.Snapshot()
	assert.Equal(t, "One", final.Category)
	assert.False(t, final.Loading)
	assert.Equal(t, PhaseSucceeded, final.Phase)
}

func TestRestoreClearsLoading(t *testing.T) {
	form := NewForm(&stubBackend{})
	form.Restore(State{EmailText: "x", Loading: true, Phase: PhaseSubmitting})

	s := form.Snapshot()
	assert.False(t, s.Loading)
	assert.Equal(t, PhaseIdle, s.Phase)
}
