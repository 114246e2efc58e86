package main

import (
	"fmt"
	"strings"
	"testing"
)

func TestRecorderRingBound(t *testing.T) {
	recorder := NewRecorder()

	total := recorderCapacity + 10
	for i := 0; i < total; i++ {
		recorder.Add(newTransaction("GET", fmt.Sprintf("http://host-%d.test/", i), "127.0.0.1:1", false, 1024))
	}

	snapshot := recorder.Snapshot()
	if len(snapshot) != recorderCapacity {
		t.Fatalf("snapshot size = %d, want %d", len(snapshot), recorderCapacity)
	}

	// The oldest ten records were displaced; the first survivor is #10.
	if !strings.Contains(snapshot[0].URL, "host-10.test") {
		t.Fatalf("oldest surviving record = %s, want host-10.test", snapshot[0].URL)
	}
	if !strings.Contains(snapshot[len(snapshot)-1].URL, fmt.Sprintf("host-%d.test", total-1)) {
		t.Fatalf("newest record = %s", snapshot[len(snapshot)-1].URL)
	}
}

func TestRecorderClear(t *testing.T) {
	recorder := NewRecorder()
	recorder.Add(newTransaction("GET", "http://a.test/", "127.0.0.1:1", false, 1024))

	recorder.Clear()

	if got := len(recorder.Snapshot()); got != 0 {
		t.Fatalf("snapshot size after Clear = %d, want 0", got)
	}
}

func TestBodyPreviewTruncates(t *testing.T) {
	preview := newBodyPreview(8)

	preview.Write([]byte("0123456789abcdef"))
	preview.Write([]byte("more"))

	data, total, truncated := preview.Snapshot()
	if string(data) != "01234567" {
		t.Fatalf("captured prefix = %q, want the first 8 bytes", data)
	}
	if total != 20 {
		t.Fatalf("total = %d, want 20", total)
	}
	if !truncated {
		t.Fatal("preview should report truncation")
	}
}

func TestBodyPreviewExactFit(t *testing.T) {
	preview := newBodyPreview(8)
	preview.Write([]byte("12345678"))

	data, total, truncated := preview.Snapshot()
	if string(data) != "12345678" || total != 8 {
		t.Fatalf("snapshot = %q / %d", data, total)
	}
	if truncated {
		t.Fatal("an exact fit is not a truncation")
	}
}

func TestTransactionPreviewSurfacesInView(t *testing.T) {
	recorder := NewRecorder()

	txn := newTransaction("POST", "http://a.test/submit", "127.0.0.1:1", true, 1024)
	txn.requestPreview.Write([]byte(`{"q":1}`))
	txn.responsePreview.Write([]byte(`{"ok":true}`))
	txn.Status = 200
	recorder.Add(txn)

	views := recorder.Snapshot()
	if len(views) != 1 {
		t.Fatalf("snapshot size = %d", len(views))
	}
	view := views[0]
	if view.RequestPreview != `{"q":1}` {
		t.Fatalf("request preview = %q", view.RequestPreview)
	}
	if view.ResponsePreview != `{"ok":true}` {
		t.Fatalf("response preview = %q", view.ResponsePreview)
	}
	if !view.TLSOrigin {
		t.Fatal("tls origin flag was lost")
	}
}
