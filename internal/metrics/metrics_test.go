package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecordSendIncrementsCounter(t *testing.T) {
	RecordSend("ok")
	RecordSend("ok")
	RecordSend("denied")

	body := scrapeMetrics(t)
	if !strings.Contains(body, `sendbrain_send_total{outcome="ok"} `) {
		t.Fatalf("missing ok counter in scrape:\n%s", body)
	}
	if !strings.Contains(body, `sendbrain_send_total{outcome="denied"} `) {
		t.Fatalf("missing denied counter in scrape:\n%s", body)
	}
}

func TestRecordDenialIgnoresEmptyReason(t *testing.T) {
	RecordDenial("")
	RecordDenial("daily")
	body := scrapeMetrics(t)
	if !strings.Contains(body, `sendbrain_pacer_denials_total{reason="daily"}`) {
		t.Fatalf("missing daily denial counter in scrape:\n%s", body)
	}
}

func TestSetQueueDepthAndActiveCampaigns(t *testing.T) {
	SetQueueDepth(7)
	SetActiveCampaigns(2)
	body := scrapeMetrics(t)
	if !strings.Contains(body, "sendbrain_queue_depth 7") {
		t.Fatalf("expected queue depth gauge of 7, got:\n%s", body)
	}
	if !strings.Contains(body, "sendbrain_campaign_active 2") {
		t.Fatalf("expected campaign active gauge of 2, got:\n%s", body)
	}
}

func scrapeMetrics(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}
