package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/logging"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/notify"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/ledger/ledgertest"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/service"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store/memory"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/types"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

// testKey is a valid base64 ed25519 public key (32 zero bytes).
const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

type env struct {
	ts      *httptest.Server
	mem     *memory.Store
	rec     *notify.Recorder
	metrics *metrics.Metrics
	hub     *notify.Hub
}

// newTestServer wires the full dependency graph over the memory store and
// returns an httptest.Server whose URL can be hit with a plain http.Client.
func newTestServer(t *testing.T) *env {
	t.Helper()

	log := logging.Discard()
	mem := memory.New()
	rec := &notify.Recorder{}
	m := metrics.New()
	hub := notify.NewHub(log)
	t.Cleanup(hub.Close)

	registry := service.NewDeviceRegistry(mem.Devices(), log)
	badges := service.NewBadgeService(mem.Badges(), log, m)
	deriver := service.NewDeriver(mem.Ledger(), mem.Attendance(), mem.Chain(), mem.Devices(),
		badges, rec, log, m, service.DeriverConfig{})
	pipeline := service.NewPipeline(mem.Ledger(), mem.Chain(), mem.Attendance(), deriver,
		nil, rec, log, m, service.PipelineConfig{})

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:           log,
		Addr:             ":0",
		Metrics:          m,
		Now:              func() time.Time { return t0.Add(time.Hour) },
		HeartbeatService: service.NewHeartbeatService(mem.Heartbeats(), registry, log, m),
		Registry:         registry,
		Monitor:          service.NewDeviceMonitor(mem.Devices(), mem.Ledger(), rec, log, m, service.DeviceMonitorConfig{}),
		Badges:           badges,
		Pipeline:         pipeline,
		Cleaner:          service.NewDedupCleaner(mem.Attendance(), 0, log, m),
		Attendance:       mem.Attendance(),
		Chain:            mem.Chain(),
		Hub:              hub,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &env{ts: ts, mem: mem, rec: rec, metrics: m, hub: hub}
}

func (e *env) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func decodeInto(t *testing.T, raw []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(raw, v), string(raw))
}

func errorCode(t *testing.T, raw []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decodeInto(t, raw, &body)
	return body.Error
}

// ── Heartbeat ────────────────────────────────────────────────────────────────

func TestHeartbeat_RegisteredDevice_OK(t *testing.T) {
	e := newTestServer(t)
	resp, _ := e.do(t, http.MethodPut, "/v1/devices/door-lobby", `{"name":"Lobby","location":"HQ"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := e.do(t, http.MethodPost, "/v1/heartbeat", `{"device_id":"door-lobby","uptime_s":42}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hb types.HeartbeatResponse
	decodeInto(t, raw, &hb)
	assert.True(t, hb.OK)
	assert.True(t, hb.Known)
	assert.Equal(t, "door-lobby", hb.DeviceID)
	assert.Equal(t, 1, e.mem.Heartbeats().Len())
}

func TestHeartbeat_UnknownDevice_Accepted(t *testing.T) {
	e := newTestServer(t)
	resp, raw := e.do(t, http.MethodPost, "/v1/heartbeat", `{"device_id":"stranger"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hb types.HeartbeatResponse
	decodeInto(t, raw, &hb)
	assert.False(t, hb.Known)
}

func TestHeartbeat_Rejects(t *testing.T) {
	e := newTestServer(t)
	cases := []struct {
		name string
		body string
		code string
	}{
		{"unknown field", `{"device_id":"door-lobby","bogus":1}`, "invalid_body"},
		{"malformed", `{"device_id":`, "invalid_body"},
		{"empty device", `{"device_id":"  "}`, "invalid_device_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := e.do(t, http.MethodPost, "/v1/heartbeat", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, errorCode(t, raw))
		})
	}
}

// ── Devices ──────────────────────────────────────────────────────────────────

func TestDevices_RegisterAndList(t *testing.T) {
	e := newTestServer(t)
	resp, raw := e.do(t, http.MethodPut, "/v1/devices/door-lobby",
		`{"name":"Lobby","location":"HQ","public_key":"`+testKey+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d types.Device
	decodeInto(t, raw, &d)
	assert.True(t, d.Known)
	assert.Equal(t, testKey, d.PublicKey)

	resp, raw = e.do(t, http.MethodGet, "/v1/devices", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rep service.HealthReport
	decodeInto(t, raw, &rep)
	require.Len(t, rep.Devices, 1)
	assert.Equal(t, "door-lobby", rep.Devices[0].DeviceID)
	assert.True(t, rep.Devices[0].NeverSeen)
}

func TestDevices_RegisterRejects(t *testing.T) {
	e := newTestServer(t)

	resp, raw := e.do(t, http.MethodPut, "/v1/devices/door-lobby", `{"public_key":"not-a-key"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_public_key", errorCode(t, raw))

	resp, raw = e.do(t, http.MethodPut, "/v1/devices/door-lobby", `{"device_id":"door-other"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_device_id", errorCode(t, raw))
}

func TestDevices_Maintenance(t *testing.T) {
	e := newTestServer(t)

	resp, raw := e.do(t, http.MethodPost, "/v1/devices/ghost/maintenance", `{"enabled":true}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "device_not_found", errorCode(t, raw))

	e.do(t, http.MethodPut, "/v1/devices/door-lobby", `{}`)
	resp, raw = e.do(t, http.MethodPost, "/v1/devices/door-lobby/maintenance", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var d types.Device
	decodeInto(t, raw, &d)
	assert.True(t, d.Maintenance)
}

// ── Badges ───────────────────────────────────────────────────────────────────

type badgeResp struct {
	Badge types.Badge `json:"badge"`
}

func TestBadges_Lifecycle(t *testing.T) {
	e := newTestServer(t)

	resp, raw := e.do(t, http.MethodPost, "/v1/badges",
		`{"employee_id":"EMP-1","card_uid":"CARD-A","card_type":"standard","actor":"hr@example.com"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var issued badgeResp
	decodeInto(t, raw, &issued)
	assert.True(t, issued.Badge.IsActive)
	assert.Equal(t, "hr@example.com", issued.Badge.IssuedBy)

	resp, raw = e.do(t, http.MethodPost, "/v1/badges", `{"employee_id":"EMP-1","card_uid":"CARD-B"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "employee_already_badged", errorCode(t, raw))

	resp, raw = e.do(t, http.MethodGet, "/v1/employees/EMP-1/badge", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var active badgeResp
	decodeInto(t, raw, &active)
	assert.Equal(t, "CARD-A", active.Badge.CardUID)

	resp, _ = e.do(t, http.MethodPost, "/v1/badges/CARD-A/deactivate", `{"reason":"lost"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = e.do(t, http.MethodPost, "/v1/badges/CARD-A/deactivate", `{"reason":"lost"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_inactive", errorCode(t, raw))

	resp, raw = e.do(t, http.MethodGet, "/v1/employees/EMP-1/badge", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no_active_badge", errorCode(t, raw))

	resp, _ = e.do(t, http.MethodPost, "/v1/badges/CARD-A/reactivate", `{"reason":"found"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = e.do(t, http.MethodGet, "/v1/badges/CARD-A/log", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist struct {
		Log []types.BadgeIssueLog `json:"log"`
	}
	decodeInto(t, raw, &hist)
	require.Len(t, hist.Log, 3)
	assert.Equal(t, types.ActionDeactivated, hist.Log[1].ActionType)
	assert.Equal(t, types.ActionReactivated, hist.Log[2].ActionType)
}

func TestBadges_ReplaceUsesActorHeader(t *testing.T) {
	e := newTestServer(t)
	e.do(t, http.MethodPost, "/v1/badges", `{"employee_id":"EMP-1","card_uid":"CARD-A"}`)

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/v1/badges/replace", strings.NewReader(
		`{"employee_id":"EMP-1","old_card_uid":"CARD-A","new_card_uid":"CARD-B","reason":"lost","replacement_fee":1500}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "desk@example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var nb badgeResp
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nb))
	assert.Equal(t, "CARD-B", nb.Badge.CardUID)
	assert.Equal(t, "desk@example.com", nb.Badge.IssuedBy)

	_, raw := e.do(t, http.MethodGet, "/v1/badges/CARD-A", "")
	var old badgeResp
	decodeInto(t, raw, &old)
	assert.Equal(t, types.BadgeReplaced, old.Badge.Status)
	assert.False(t, old.Badge.IsActive)

	_, raw = e.do(t, http.MethodGet, "/v1/employees/EMP-1/badges", "")
	var list struct {
		Badges []types.Badge `json:"badges"`
	}
	decodeInto(t, raw, &list)
	assert.Len(t, list.Badges, 2)
	assert.Equal(t, 1, e.mem.Badges().ActiveCount("EMP-1"))
}

func TestBadges_NotFound(t *testing.T) {
	e := newTestServer(t)
	resp, raw := e.do(t, http.MethodGet, "/v1/badges/NOPE", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "badge_not_found", errorCode(t, raw))
}

// ── Ledger processing ────────────────────────────────────────────────────────

func issueFive(t *testing.T, e *env) {
	t.Helper()
	for i, uid := range []string{"CARD-0001", "CARD-0002", "CARD-0003", "CARD-0004", "CARD-0005"} {
		resp, raw := e.do(t, http.MethodPost, "/v1/badges",
			`{"employee_id":"EMP-`+string(rune('1'+i))+`","card_uid":"`+uid+`"}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	}
}

func TestJobs_ProcessLedgerThenQueryAttendance(t *testing.T) {
	e := newTestServer(t)
	issueFive(t, e)
	b := ledgertest.NewBuilder()
	require.NoError(t, e.mem.Ledger().Append(b.Scans(5, "door-lobby", t0)...))

	resp, raw := e.do(t, http.MethodPost, "/v1/jobs/process-ledger", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var rep service.CycleReport
	decodeInto(t, raw, &rep)
	assert.False(t, rep.Halted)
	assert.Equal(t, 5, rep.Verified)
	assert.Equal(t, 5, rep.Derive.Derived)

	resp, raw = e.do(t, http.MethodGet, "/v1/attendance?employee_id=EMP-3", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Events []types.AttendanceEvent `json:"events"`
	}
	decodeInto(t, raw, &body)
	require.Len(t, body.Events, 1)
	assert.Equal(t, int64(3), body.Events[0].LedgerSequenceID)

	from := t0.Add(-time.Minute).Format(time.RFC3339)
	to := t0.Add(time.Hour).Format(time.RFC3339)
	_, raw = e.do(t, http.MethodGet, "/v1/attendance?from="+from+"&to="+to, "")
	decodeInto(t, raw, &body)
	assert.Len(t, body.Events, 5)
}

func TestAttendance_RejectsBadQuery(t *testing.T) {
	e := newTestServer(t)
	for _, q := range []string{"from=yesterday", "to=2026-13-01", "limit=-1", "include_deduplicated=maybe",
		"from=2026-03-02T09:00:00Z&to=2026-03-02T08:00:00Z"} {
		resp, _ := e.do(t, http.MethodGet, "/v1/attendance?"+q, "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestChain_HaltAndReanchorOverHTTP(t *testing.T) {
	e := newTestServer(t)
	issueFive(t, e)
	entries := ledgertest.NewBuilder().Scans(5, "door-lobby", t0)
	entries[2] = ledgertest.Tamper(entries[2])
	require.NoError(t, e.mem.Ledger().Append(entries...))

	_, raw := e.do(t, http.MethodPost, "/v1/jobs/process-ledger", "")
	var rep service.CycleReport
	decodeInto(t, raw, &rep)
	require.True(t, rep.Halted)
	require.NotNil(t, rep.Violation)
	assert.Equal(t, int64(3), rep.Violation.SequenceID)

	_, raw = e.do(t, http.MethodGet, "/v1/chain/violations", "")
	var vs struct {
		Halted     bool                   `json:"halted"`
		Violations []types.ChainViolation `json:"violations"`
	}
	decodeInto(t, raw, &vs)
	assert.True(t, vs.Halted)
	require.Len(t, vs.Violations, 1)

	resp, raw := e.do(t, http.MethodPost, "/v1/chain/violations/3/resolve", `{"resolution":"ignore"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_resolution", errorCode(t, raw))

	resp, raw = e.do(t, http.MethodPost, "/v1/chain/violations/4/resolve", `{"resolution":"reanchor"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "violation_mismatch", errorCode(t, raw))

	resp, raw = e.do(t, http.MethodPost, "/v1/chain/violations/3/resolve", `{"resolution":"reanchor","actor":"sec@example.com"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var res service.ResolveReport
	decodeInto(t, raw, &res)
	assert.Equal(t, 1, res.Rejected)

	_, raw = e.do(t, http.MethodPost, "/v1/jobs/process-ledger", "")
	decodeInto(t, raw, &rep)
	assert.False(t, rep.Halted)

	_, raw = e.do(t, http.MethodGet, "/v1/chain/violations", "")
	decodeInto(t, raw, &vs)
	assert.False(t, vs.Halted)
	assert.Contains(t, e.rec.Kinds(), notify.KindChainResolved)
}

func TestJobs_OtherJobsAndUnknown(t *testing.T) {
	e := newTestServer(t)
	for _, job := range []string{"check-device-health", "cleanup-dedup", "expire-badges"} {
		resp, raw := e.do(t, http.MethodPost, "/v1/jobs/"+job, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode, job+": "+string(raw))
	}
	resp, raw := e.do(t, http.MethodPost, "/v1/jobs/reboot-everything", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_job", errorCode(t, raw))
}

func TestSecurityEvents_Empty(t *testing.T) {
	e := newTestServer(t)
	resp, raw := e.do(t, http.MethodGet, "/v1/security-events?limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"events":[]}`, string(raw))
}

// ── Protobuf ─────────────────────────────────────────────────────────────────

func TestProtobuf_RequestAndResponse(t *testing.T) {
	e := newTestServer(t)

	in, err := structpb.NewStruct(map[string]any{"employee_id": "EMP-9", "card_uid": "CARD-P"})
	require.NoError(t, err)
	payload, err := proto.Marshal(in)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/v1/badges", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Accept", "application/x-protobuf")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &out))
	badge := out.GetFields()["badge"].GetStructValue()
	require.NotNil(t, badge)
	assert.Equal(t, "CARD-P", badge.GetFields()["card_uid"].GetStringValue())
	assert.Equal(t, "EMP-9", badge.GetFields()["employee_id"].GetStringValue())
}

func TestProtobuf_ErrorBody(t *testing.T) {
	e := newTestServer(t)
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+"/v1/badges/NOPE", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/x-protobuf")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &out))
	assert.Equal(t, "badge_not_found", out.GetFields()["error"].GetStringValue())
}

// ── Operational endpoints ────────────────────────────────────────────────────

func TestHealthzAndMetrics(t *testing.T) {
	e := newTestServer(t)

	resp, _ := e.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	e.do(t, http.MethodGet, "/v1/badges/NOPE", "")

	resp, raw := e.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `timeclock_http_request_duration_seconds_count{code="404",method="GET",route="/v1/badges/{cardUID}"} 1`)
}

func TestNotificationStream_DeliversDispatchedMessages(t *testing.T) {
	e := newTestServer(t)

	resp, _ := e.do(t, http.MethodGet, "/v1/stream/notifications", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "plain GET is not an upgrade")

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/v1/stream/notifications"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return e.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	msg := notify.NewMessage(notify.KindDeviceOffline, notify.RoleOperations, notify.SeverityWarning,
		"door-lobby offline", map[string]any{"device_id": "door-lobby"})
	require.NoError(t, e.hub.Dispatch(context.Background(), msg))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got notify.Message
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, notify.KindDeviceOffline, got.Kind)
}
