package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"AvailRecovery/internal/recovery"
	"AvailRecovery/internal/types"
)

// mockRecoverer returns a fixed result and records the last request.
type mockRecoverer struct {
	data  *types.AvailableData
	err   error
	last  types.CandidateDescriptor
	group *types.GroupIndex
}

func (m *mockRecoverer) Recover(_ context.Context, d types.CandidateDescriptor, _ types.SessionIndex, g *types.GroupIndex) (*types.AvailableData, error) {
	m.last = d
	m.group = g

	return m.data, m.err
}

func (m *mockRecoverer) Status(context.Context) (recovery.Status, error) {
	return recovery.Status{CacheEntries: 3, InFlight: 1, Workers: 2, LiveBlock: types.BlockRef{Number: 12}}, nil
}

func hexHash(b byte) string {
	return strings.Repeat(fmt.Sprintf("%02x", b), 32)
}

func recoverBody(group string) string {
	return fmt.Sprintf(`{"candidate_hash":%q,"erasure_root":%q,"pov_hash":%q,"session":1%s}`,
		hexHash(1), hexHash(2), hexHash(3), group)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	return w
}

func TestHealthEndpoint(t *testing.T) {
	server := New(":0", &mockRecoverer{}, nil)

	w := doRequest(t, server, "GET", "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestRecover_Success(t *testing.T) {
	data := &types.AvailableData{
		PoV:            types.PoV{BlockData: []byte{0xde, 0xad}},
		ValidationData: types.PersistedValidationData{ParentHead: []byte{0x01}, RelayParentNumber: 5, MaxPoVSize: 1024},
	}
	rec := &mockRecoverer{data: data}
	server := New(":0", rec, nil)

	w := doRequest(t, server, "POST", "/recover", recoverBody(`,"group":2`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp recoverResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp.PoV != "dead" || resp.ValidationData.RelayParentNumber != 5 || resp.ValidationData.ParentHead != "01" {
		t.Errorf("unexpected response: %+v", resp)
	}

	if resp.PoVHash != data.PoV.Hash().String() {
		t.Errorf("pov hash mismatch: %s", resp.PoVHash)
	}

	if hex.EncodeToString(rec.last.ErasureRoot[:]) != hexHash(2) {
		t.Error("erasure root not forwarded")
	}

	if rec.group == nil || *rec.group != 2 {
		t.Errorf("expected group 2, got %v", rec.group)
	}
}

func TestRecover_NoGroup(t *testing.T) {
	rec := &mockRecoverer{data: &types.AvailableData{}}
	server := New(":0", rec, nil)

	if w := doRequest(t, server, "POST", "/recover", recoverBody("")); w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	if rec.group != nil {
		t.Error("expected no backing group")
	}
}

func TestRecover_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", recovery.ErrUnavailable), http.StatusNotFound},
		{recovery.ErrInvalid, http.StatusUnprocessableEntity},
		{recovery.ErrChannelClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		server := New(":0", &mockRecoverer{err: tt.err}, nil)

		if w := doRequest(t, server, "POST", "/recover", recoverBody("")); w.Code != tt.want {
			t.Errorf("%v: expected status %d, got %d", tt.err, tt.want, w.Code)
		}
	}
}

func TestRecover_BadRequest(t *testing.T) {
	server := New(":0", &mockRecoverer{}, nil)

	bodies := []string{
		"",
		"not json",
		`{"candidate_hash":"zz","erasure_root":"` + hexHash(2) + `"}`,
		`{"candidate_hash":"` + hexHash(1) + `","erasure_root":"abcd"}`,
		`{"candidate_hash":"` + hexHash(1) + `","erasure_root":"` + hexHash(2) + `","pov_hash":"12"}`,
	}

	for _, body := range bodies {
		if w := doRequest(t, server, "POST", "/recover", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := New(":0", &mockRecoverer{}, nil)

	w := doRequest(t, server, "GET", "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["cacheEntries"] != float64(3) || resp["liveBlock"] != float64(12) {
		t.Errorf("unexpected status: %v", resp)
	}

	if resp["inFlight"] != float64(1) || resp["workers"] != float64(2) || resp["liveBlockHash"] != (types.Hash{}).String() {
		t.Errorf("unexpected status fields: %v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	recovery.NewMetrics(reg)

	server := New(":0", &mockRecoverer{}, reg)

	w := doRequest(t, server, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), "availrecovery_recovery_recoveries_started_total") {
		t.Errorf("expected recovery metrics, got %q", w.Body.String())
	}

	if w := doRequest(t, New(":0", &mockRecoverer{}, nil), "GET", "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without a registry, got %d", w.Code)
	}
}
