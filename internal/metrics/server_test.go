package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerExposesCounters(t *testing.T) {
	sent := FramesSentTotal.WithLabelValues("ni-test")
	drops := DropsTotal.WithLabelValues("ni-test", "filter")
	sentBefore, dropsBefore := testutil.ToFloat64(sent), testutil.ToFloat64(drops)
	sent.Inc()
	drops.Add(2)
	assert.Equal(t, sentBefore+1, testutil.ToFloat64(sent))
	assert.Equal(t, dropsBefore+2, testutil.ToFloat64(drops))

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start())
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `dpni_frames_sent_total{device="ni-test"}`)
	assert.Contains(t, string(body), `dpni_drops_total{device="ni-test",reason="filter"}`)
}

func TestStopBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "/m").Stop(context.Background()))
}
