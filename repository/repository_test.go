package repository

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brettbedarf/spattach"
	"github.com/brettbedarf/spattach/config"
	"github.com/brettbedarf/spattach/endpoints"
	"github.com/brettbedarf/spattach/internal/mocks"
	"github.com/brettbedarf/spattach/metrics"
	"github.com/brettbedarf/spattach/transport"
)

const (
	site      = "https://contoso.sharepoint.com/sites/hr"
	listGUID  = "0f9c1b7e-1111-2222-3333-444455556666"
	guidPath  = "/web/lists(guid'" + listGUID + "')"
	titlePath = "/web/lists/getbytitle('Leave%20Requests')"
	selectQ   = "$select=AttachmentFiles&$expand=AttachmentFiles"
	fileLit   = "getByFileName('doctor''s%20note.pdf')"

	itemBody = `{"AttachmentFiles":[{"FileName":"a.pdf","ServerRelativeUrl":"/sites/hr/Lists/Leave/Attachments/7/a.pdf"}]}`
	collBody = `{"value":[{"AttachmentFiles":[{"FileName":"a.pdf","ServerRelativeUrl":"/sites/hr/Lists/Leave/Attachments/7/a.pdf"}]}]}`
)

var (
	jsonHeaders = map[string]string{"Content-Type": "application/json;odata=nometadata;charset=utf-8"}
	wantRecords = []spattach.AttachmentRecord{{FileName: "a.pdf", ServerRelativeURL: "/sites/hr/Lists/Leave/Attachments/7/a.pdf"}}

	// list candidates in resolver order
	listURLs = []string{
		site + "/_api" + guidPath + "/items(7)?" + selectQ,
		site + "/_api" + guidPath + "/items?$filter=Id%20eq%207&" + selectQ,
		site + guidPath + "/items(7)?" + selectQ,
		site + guidPath + "/items?$filter=Id%20eq%207&" + selectQ,
		site + "/_api" + titlePath + "/items(7)?" + selectQ,
		site + "/_api" + titlePath + "/items?$filter=Id%20eq%207&" + selectQ,
		site + titlePath + "/items(7)?" + selectQ,
		site + titlePath + "/items?$filter=Id%20eq%207&" + selectQ,
	}
	guidFileURL  = site + "/_api" + guidPath + "/items(7)/AttachmentFiles/" + fileLit
	titleFileURL = site + "/_api" + titlePath + "/items(7)/AttachmentFiles/" + fileLit
	contextInfo  = site + "/_api/contextinfo"
)

func operationContext() spattach.OperationContext {
	return spattach.OperationContext{
		BaseURL:   site,
		ListTitle: "Leave Requests",
		ListID:    "{" + listGUID + "}",
		ItemID:    7,
		FileName:  "doctor's note.pdf",
	}
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestRepo(t *testing.T, client *mocks.MockHTTPClient) (*Repository, *metrics.Metrics) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.MaxAttempts = 2
	m := metrics.New(prometheus.NewRegistry())
	repo := New(cfg,
		WithHTTPClient(client),
		WithMetrics(m),
		WithExecutorOptions(transport.WithSleeper(noSleep)),
	)
	return repo, m
}

// on registers a response for one method + URL. Register specific routes
// before catch-alls; testify matches expectations in order.
func on(client *mocks.MockHTTPClient, method, url string) *mock.Call {
	return client.On("Do", mock.MatchedBy(func(r *http.Request) bool {
		return r.Method == method && r.URL.String() == url
	}))
}

func onDigest(client *mocks.MockHTTPClient) *mock.Call {
	return on(client, http.MethodPost, contextInfo).Return(mocks.Respond(http.StatusOK,
		`{"FormDigestValue":"0xABC,18 Oct 2026 10:00:00 -0000","FormDigestTimeoutSeconds":1800}`, jsonHeaders), nil)
}

type call struct {
	Method string
	URL    string
	Digest string
}

func calls(client *mocks.MockHTTPClient) []call {
	out := make([]call, 0, len(client.Calls))
	for _, c := range client.Calls {
		req := c.Arguments.Get(0).(*http.Request)
		out = append(out, call{req.Method, req.URL.String(), req.Header.Get(spattach.HeaderRequestDigest)})
	}
	return out
}

func urlsOf(cs []call) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.URL)
	}
	return out
}

func TestList_GUIDSuccessSkipsTitleCandidates(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	on(client, http.MethodGet, listURLs[0]).Return(mocks.Respond(http.StatusOK, itemBody, jsonHeaders), nil)
	repo, m := newTestRepo(t, client)

	records, err := repo.List(context.Background(), operationContext())

	require.NoError(t, err)
	assert.Equal(t, wantRecords, records)
	assert.Equal(t, []string{listURLs[0]}, urlsOf(calls(client)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("list_attachments", "ok")))
	assert.Zero(t, testutil.CollectAndCount(m.CandidateFallbacks))
}

func TestList_FallbackOrder(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	on(client, http.MethodGet, listURLs[7]).Return(mocks.Respond(http.StatusOK, collBody, jsonHeaders), nil)
	client.On("Do", mock.Anything).Return(mocks.Respond(http.StatusBadRequest, `{"odata.error":{"code":"-1"}}`, jsonHeaders), nil)
	repo, m := newTestRepo(t, client)

	records, err := repo.List(context.Background(), operationContext())

	require.NoError(t, err)
	assert.Equal(t, wantRecords, records)
	assert.Equal(t, listURLs, urlsOf(calls(client)), "each candidate tried once, in order")
	assert.Equal(t, 7.0, testutil.ToFloat64(m.CandidateFallbacks.WithLabelValues("list_attachments")))
}

func TestList_NormalizationFailureMovesOn(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	on(client, http.MethodGet, listURLs[0]).Return(mocks.Respond(http.StatusOK,
		"<html>Sign in</html>", map[string]string{"Content-Type": "text/html"}), nil)
	on(client, http.MethodGet, listURLs[1]).Return(mocks.Respond(http.StatusOK, `{"unexpected":true}`, jsonHeaders), nil)
	on(client, http.MethodGet, listURLs[2]).Return(mocks.Respond(http.StatusOK, collBody, jsonHeaders), nil)
	repo, _ := newTestRepo(t, client)

	records, err := repo.List(context.Background(), operationContext())

	require.NoError(t, err)
	assert.Equal(t, wantRecords, records)
	client.AssertNumberOfCalls(t, "Do", 3)
}

func TestList_TransientExhaustionMovesOn(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	on(client, http.MethodGet, listURLs[0]).Return(mocks.Respond(http.StatusServiceUnavailable, "", nil), nil)
	on(client, http.MethodGet, listURLs[1]).Return(mocks.Respond(http.StatusOK, itemBody, jsonHeaders), nil)
	repo, _ := newTestRepo(t, client)

	records, err := repo.List(context.Background(), operationContext())

	require.NoError(t, err)
	assert.Equal(t, wantRecords, records)
	assert.Equal(t, []string{listURLs[0], listURLs[0], listURLs[1]}, urlsOf(calls(client)),
		"the first candidate spends its whole retry budget before the second is tried")
}

func TestList_EmptyAttachments(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	on(client, http.MethodGet, listURLs[0]).Return(mocks.Respond(http.StatusOK, `{"AttachmentFiles":[]}`, jsonHeaders), nil)
	repo, _ := newTestRepo(t, client)

	records, err := repo.List(context.Background(), operationContext())

	require.NoError(t, err)
	assert.NotNil(t, records)
	assert.Empty(t, records)
}

func TestList_AllCandidatesFail(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	client.On("Do", mock.Anything).Return(mocks.Respond(http.StatusNotFound, "", nil), nil)
	repo, m := newTestRepo(t, client)

	_, err := repo.List(context.Background(), operationContext())

	var all *spattach.AllCandidatesFailed
	require.ErrorAs(t, err, &all)
	assert.Equal(t, spattach.OpListAttachments, all.Operation)
	assert.Equal(t, 8, all.Attempts)
	var last *spattach.HTTPStatusError
	require.ErrorAs(t, all.LastError, &last)
	assert.Equal(t, listURLs[7], last.URL)
	assert.True(t, spattach.IsNotFound(err))
	assert.Equal(t, spattach.KindAllCandidatesFailed, spattach.KindOf(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("list_attachments", "all_candidates_failed")))
}

func TestOperations_InsufficientContextMakesNoCalls(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*spattach.OperationContext)
	}{
		{"no base url", func(oc *spattach.OperationContext) { oc.BaseURL = "" }},
		{"no item", func(oc *spattach.OperationContext) { oc.ItemID = 0 }},
		{"no list", func(oc *spattach.OperationContext) { oc.ListID, oc.ListTitle = "", "" }},
		{"empty guid braces only", func(oc *spattach.OperationContext) { oc.ListID, oc.ListTitle = "{}", "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := &mocks.MockHTTPClient{}
			repo, _ := newTestRepo(t, client)
			oc := operationContext()
			tt.mutate(&oc)

			_, listErr := repo.List(context.Background(), oc)
			deleteErr := repo.Delete(context.Background(), oc)

			var insufficient *spattach.InsufficientContextError
			assert.ErrorAs(t, listErr, &insufficient)
			assert.ErrorAs(t, deleteErr, &insufficient)
			client.AssertNotCalled(t, "Do", mock.Anything)
		})
	}

	t.Run("delete without file name", func(t *testing.T) {
		t.Parallel()
		client := &mocks.MockHTTPClient{}
		repo, _ := newTestRepo(t, client)
		oc := operationContext()
		oc.FileName = ""

		err := repo.Delete(context.Background(), oc)

		var insufficient *spattach.InsufficientContextError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, []string{"fileName"}, insufficient.Missing)
		client.AssertNotCalled(t, "Do", mock.Anything)
	})
}

func TestList_CanceledContext(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	repo, m := newTestRepo(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.List(ctx, operationContext())

	assert.ErrorIs(t, err, context.Canceled)
	client.AssertNotCalled(t, "Do", mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("list_attachments", "canceled")))
}

func TestDelete_ForbiddenFallsBackToMethodOverride(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	onDigest(client)
	on(client, http.MethodDelete, guidFileURL).Return(mocks.Respond(http.StatusForbidden, "", nil), nil)
	on(client, http.MethodPost, guidFileURL).Return(mocks.Respond(http.StatusOK, "", nil), nil)
	repo, m := newTestRepo(t, client)

	err := repo.Delete(context.Background(), operationContext())

	require.NoError(t, err)
	got := calls(client)
	require.Len(t, got, 3)
	assert.Equal(t, []call{
		{http.MethodPost, contextInfo, ""},
		{http.MethodDelete, guidFileURL, got[1].Digest},
		{http.MethodPost, guidFileURL, got[1].Digest},
	}, got, "the override reuses the digest the DELETE was signed with")
	assert.NotEmpty(t, got[1].Digest)
	assert.NotContains(t, urlsOf(got), titleFileURL)

	override := client.Calls[2].Arguments.Get(0).(*http.Request)
	assert.Equal(t, "DELETE", override.Header.Get("X-HTTP-Method"))
	assert.Equal(t, "*", override.Header.Get("If-Match"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("delete_attachment", "ok")))
}

func TestDelete_FallsBackToTitleCandidate(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	onDigest(client)
	on(client, http.MethodDelete, titleFileURL).Return(mocks.Respond(http.StatusNoContent, "", nil), nil)
	client.On("Do", mock.Anything).Return(mocks.Respond(http.StatusBadRequest, "", nil), nil)
	repo, m := newTestRepo(t, client)

	err := repo.Delete(context.Background(), operationContext())

	require.NoError(t, err)
	got := calls(client)
	require.Len(t, got, 4)
	assert.Equal(t, []call{
		{http.MethodPost, contextInfo, ""},
		{http.MethodDelete, guidFileURL, got[1].Digest},
		{http.MethodPost, guidFileURL, got[1].Digest},
		{http.MethodDelete, titleFileURL, got[1].Digest},
	}, got)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CandidateFallbacks.WithLabelValues("delete_attachment")))
}

func TestDelete_TokenReusedAcrossOperations(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	onDigest(client)
	on(client, http.MethodDelete, guidFileURL).Return(mocks.Respond(http.StatusOK, "", nil), nil)
	repo, m := newTestRepo(t, client)

	for range 3 {
		require.NoError(t, repo.Delete(context.Background(), operationContext()))
	}

	issued := 0
	for _, c := range calls(client) {
		if c.URL == contextInfo {
			issued++
		}
	}
	assert.Equal(t, 1, issued, "one digest serves every delete until it nears expiry")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensIssued.WithLabelValues("ok")))
}

func TestDelete_TokenReusedWhenDeleteVerbBlocked(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	onDigest(client)
	on(client, http.MethodDelete, guidFileURL).Return(mocks.Respond(http.StatusForbidden,
		`{"error":{"code":"-2147024891, System.UnauthorizedAccessException","message":{"value":"Access denied."}}}`, nil), nil)
	on(client, http.MethodPost, guidFileURL).Return(mocks.Respond(http.StatusOK, "", nil), nil)
	repo, m := newTestRepo(t, client)

	for range 3 {
		require.NoError(t, repo.Delete(context.Background(), operationContext()))
	}

	issued, mutating := 0, 0
	for _, c := range calls(client) {
		switch c.URL {
		case contextInfo:
			issued++
		case guidFileURL:
			mutating++
		}
	}
	assert.Equal(t, 6, mutating)
	assert.Equal(t, 1, issued, "a blocked verb is not a stale digest")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokensIssued.WithLabelValues("ok")))
}

func TestDelete_StaleDigestReissuedOnce(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	onDigest(client)
	on(client, http.MethodDelete, guidFileURL).Return(mocks.Respond(http.StatusForbidden,
		`{"error":{"code":"-2130575251, Microsoft.SharePoint.SPException","message":{"value":"The security validation for this page is invalid."}}}`, nil), nil).Once()
	on(client, http.MethodDelete, guidFileURL).Return(mocks.Respond(http.StatusOK, "", nil), nil)
	repo, _ := newTestRepo(t, client)

	require.NoError(t, repo.Delete(context.Background(), operationContext()))

	assert.Equal(t, []string{contextInfo, guidFileURL, contextInfo, guidFileURL}, urlsOf(calls(client)))
}

func TestDelete_ConcurrentOperationsShareOneIssuance(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	onDigest(client)
	on(client, http.MethodDelete, guidFileURL).Return(mocks.Respond(http.StatusOK, "", nil), nil)
	repo, m := newTestRepo(t, client)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			assert.NoError(t, repo.Delete(context.Background(), operationContext()))
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, testutil.ToFloat64(m.TokensIssued.WithLabelValues("ok")), 1.0)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("delete_attachment", "ok")))
}

func TestDelete_TokenFailureAborts(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	on(client, http.MethodPost, contextInfo).Return(mocks.Respond(http.StatusUnauthorized, "", nil), nil)
	repo, _ := newTestRepo(t, client)

	err := repo.Delete(context.Background(), operationContext())

	var tokenErr *spattach.TokenAcquisitionError
	require.ErrorAs(t, err, &tokenErr)
	assert.Equal(t, http.StatusUnauthorized, tokenErr.Status)
	assert.Equal(t, []string{contextInfo}, urlsOf(calls(client)), "no delete is attempted unsigned")
}

func TestDelete_NotFoundEverywhere(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	onDigest(client)
	client.On("Do", mock.Anything).Return(mocks.Respond(http.StatusNotFound, "", nil), nil)
	repo, _ := newTestRepo(t, client)

	err := repo.Delete(context.Background(), operationContext())

	var all *spattach.AllCandidatesFailed
	require.ErrorAs(t, err, &all)
	assert.Equal(t, 4, all.Attempts)
	assert.True(t, spattach.IsNotFound(err), "callers may treat this as already deleted")
}

func TestOutcomeEnvelopes(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	onDigest(client)
	on(client, http.MethodGet, listURLs[0]).Return(mocks.Respond(http.StatusOK, itemBody, jsonHeaders), nil)
	on(client, http.MethodDelete, guidFileURL).Return(mocks.Respond(http.StatusNoContent, "", nil), nil)
	repo, _ := newTestRepo(t, client)

	listed := repo.ListAttachments(context.Background(), operationContext())
	assert.True(t, listed.Success)
	assert.Equal(t, wantRecords, listed.Value)

	deleted := repo.DeleteAttachment(context.Background(), operationContext())
	assert.True(t, deleted.Success)
	assert.Nil(t, deleted.Error)

	oc := operationContext()
	oc.ItemID = 0
	failed := repo.ListAttachments(context.Background(), oc)
	assert.False(t, failed.Success)
	require.NotNil(t, failed.Error)
	assert.Equal(t, spattach.KindInsufficientContext, failed.Error.Kind)
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	repo := New(config.NewDefaultConfig())

	require.NotNil(t, repo.executor)
	assert.Nil(t, repo.metrics)
	assert.Equal(t, endpoints.Resolver{}, repo.resolver, "zero resolver uses the built-in registry")
}

func TestNew_InjectedTokenSourceSignsDeletes(t *testing.T) {
	t.Parallel()

	client := &mocks.MockHTTPClient{}
	on(client, http.MethodDelete, guidFileURL).Return(mocks.Respond(http.StatusOK, "", nil), nil)
	ts := &mocks.MockTokenSource{}
	ts.On("Acquire", mock.Anything, site).Return("0xINJECTED", nil)
	repo := New(config.NewDefaultConfig(), WithHTTPClient(client), WithTokenSource(ts))

	require.NoError(t, repo.Delete(context.Background(), operationContext()))

	assert.Equal(t, []call{{http.MethodDelete, guidFileURL, "0xINJECTED"}}, calls(client))
	ts.AssertExpectations(t)
}

func TestWithResolver_CustomRegistry(t *testing.T) {
	t.Parallel()

	// a deployment where only the filter shape works: try it alone
	filterURL := site + "/_api" + titlePath + "/items?$filter=Id%20eq%207&" + selectQ
	reg := endpoints.NewRegistry()
	reg.Register(spattach.OpListAttachments, func(base string, keys []endpoints.ListKey, oc spattach.OperationContext) []endpoints.Candidate {
		var out []endpoints.Candidate
		for _, key := range keys {
			if key.Label != "title" {
				continue
			}
			out = append(out, endpoints.Candidate{
				Label: "title filter",
				Primary: spattach.RequestDescriptor{
					URL:     fmt.Sprintf("%s/_api%s/items?$filter=Id%%20eq%%20%d&%s", base, key.Path, oc.ItemID, selectQ),
					Method:  spattach.MethodGet,
					Headers: map[string]string{spattach.HeaderAccept: spattach.AcceptNoMetadata},
				},
			})
		}
		return out
	})
	endpoints.RegisterBuiltins(reg)

	client := &mocks.MockHTTPClient{}
	on(client, http.MethodGet, filterURL).Return(mocks.Respond(http.StatusOK, collBody, jsonHeaders), nil)
	onDigest(client)
	on(client, http.MethodDelete, guidFileURL).Return(mocks.Respond(http.StatusOK, "", nil), nil)
	cfg := config.NewDefaultConfig()
	repo := New(cfg, WithHTTPClient(client), WithResolver(endpoints.NewResolver(reg)))

	records, err := repo.List(context.Background(), operationContext())
	require.NoError(t, err)
	assert.Equal(t, wantRecords, records)
	assert.Equal(t, []string{filterURL}, urlsOf(calls(client)), "custom builder replaces the built-in list order")

	require.NoError(t, repo.Delete(context.Background(), operationContext()), "built-in delete still registered")

	empty := New(cfg, WithHTTPClient(client), WithResolver(endpoints.NewResolver(endpoints.NewRegistry())))
	_, err = empty.List(context.Background(), operationContext())
	assert.ErrorContains(t, err, "unsupported operation")
}
