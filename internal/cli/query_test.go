package cli

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/peer"
	"github.com/roach88/causalog/internal/store"
)

type queryResponse struct {
	Status string `json:"status"`
	Data   struct {
		Source  string            `json:"source"`
		Segment *store.Segment    `json:"segment"`
		Entries []json.RawMessage `json:"entries"`
	} `json:"data"`
	Error *CLIError `json:"error"`
}

func decodeQuery(t *testing.T, out string) queryResponse {
	t.Helper()
	var resp queryResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	return resp
}

func TestQuery_Fact(t *testing.T) {
	fx := newFixture(t)

	out, err := execute(t, "query", "fact", "F1", "--data", fx.dir, "--format", "json")
	require.NoError(t, err)
	resp := decodeQuery(t, out)
	require.Len(t, resp.Data.Entries, 1)
	e, err := ir.UnmarshalEntry(resp.Data.Entries[0])
	require.NoError(t, err)
	assert.Equal(t, fx.fact.ID, e.ID)
	require.NoError(t, ir.Verify(e))
}

func TestQuery_EntryText(t *testing.T) {
	fx := newFixture(t)

	out, err := execute(t, "query", "entry", string(amm), fx.deposit.ID, "--data", fx.dir)
	require.NoError(t, err)
	assert.Equal(t, "2 program:amm Effect Deposit "+fx.deposit.ID+"\n", out)
}

func TestQuery_NotFound(t *testing.T) {
	fx := newFixture(t)

	out, err := execute(t, "query", "fact", "F404", "--data", fx.dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeQuery(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
}

func TestQuery_Range(t *testing.T) {
	fx := newFixture(t)

	out, err := execute(t, "query", "range", "ethereum", "--from", "1", "--to", "1", "--data", fx.dir, "--format", "json")
	require.NoError(t, err)
	assert.Len(t, decodeQuery(t, out).Data.Entries, 1)

	out, err = execute(t, "query", "range", "ethereum", "--from", "2", "--data", fx.dir, "--format", "json")
	require.NoError(t, err)
	assert.Empty(t, decodeQuery(t, out).Data.Entries)

	_, err = execute(t, "query", "range", "ethereum", "--from", "5", "--to", "2", "--data", fx.dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestQuery_SegmentOverPeer(t *testing.T) {
	fx := newFixture(t)

	st, err := store.Open(fx.dir, store.WithFsync(false))
	require.NoError(t, err)
	defer st.Close()
	segs, err := st.Segments(context.Background(), amm)
	require.NoError(t, err)
	require.Len(t, segs, 1)

	srv := httptest.NewServer(peer.Handler(peer.NewLocal(st), slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer srv.Close()

	// --data points nowhere: the answer must come from the peer.
	out, err := execute(t, "query", "segment", segs[0].ID, "--peer", srv.URL, "--data", t.TempDir(), "--format", "json")
	require.NoError(t, err)
	resp := decodeQuery(t, out)
	assert.Equal(t, srv.URL, resp.Data.Source)
	require.NotNil(t, resp.Data.Segment)
	assert.Equal(t, amm, resp.Data.Segment.Scope)
	assert.Len(t, resp.Data.Entries, 2)

	text, err := execute(t, "query", "segment", segs[0].ID, "--peer", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, text, "Segment "+segs[0].ID+" (program:amm #")
	assert.Contains(t, text, "3 program:amm Event Failure "+fx.failure.ID)
}

func TestQuery_BadPeer(t *testing.T) {
	_, err := execute(t, "query", "fact", "F1", "--peer", "not a url")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
