package main

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// bodyPreview captures at most limit bytes of a streamed body for the
// transaction log. Writes beyond the limit are counted but not stored, so
// streaming cost stays constant.
type bodyPreview struct {
	mu        sync.Mutex
	limit     int64
	data      []byte
	total     int64
	truncated bool
}

func newBodyPreview(limit int64) *bodyPreview {
	return &bodyPreview{limit: limit}
}

func (p *bodyPreview) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total += int64(len(b))
	remaining := p.limit - int64(len(p.data))
	if remaining > 0 {
		take := int64(len(b))
		if take > remaining {
			take = remaining
			p.truncated = true
		}
		p.data = append(p.data, b[:take]...)
	} else if len(b) > 0 {
		p.truncated = true
	}
	return len(b), nil
}

func (p *bodyPreview) Snapshot() (data []byte, total int64, truncated bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	copied := make([]byte, len(p.data))
	copy(copied, p.data)
	return copied, p.total, p.truncated
}

// Transaction is one proxied request/response pair as seen by the pipeline.
type Transaction struct {
	ID          string    `json:"id"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	Status      int       `json:"status"`
	TLSOrigin   bool      `json:"tls_origin"`
	ClientAddr  string    `json:"client_addr"`
	StartedAt   time.Time `json:"started_at"`
	UpstreamMS  int64     `json:"upstream_ms"`
	RequestSize int64     `json:"request_size"`

	requestPreview  *bodyPreview
	responsePreview *bodyPreview
}

// TransactionView is the JSON shape served by the control API.
type TransactionView struct {
	Transaction
	RequestPreview    string `json:"request_preview,omitempty"`
	ResponsePreview   string `json:"response_preview,omitempty"`
	ResponseTruncated bool   `json:"response_truncated"`
	ResponseSize      int64  `json:"response_size"`
}

func newTransaction(method, url, clientAddr string, tlsOrigin bool, previewLimit int64) *Transaction {
	return &Transaction{
		ID:              uuid.New().String(),
		Method:          method,
		URL:             url,
		ClientAddr:      clientAddr,
		TLSOrigin:       tlsOrigin,
		StartedAt:       time.Now(),
		requestPreview:  newBodyPreview(previewLimit),
		responsePreview: newBodyPreview(previewLimit),
	}
}

// Recorder keeps a bounded ring of recent transactions for the control API.
// The oldest entry is dropped once the ring is full.
type Recorder struct {
	mu      sync.Mutex
	records []*Transaction
	next    int
	filled  bool
}

const recorderCapacity = 256

func NewRecorder() *Recorder {
	return &Recorder{
		records: make([]*Transaction, recorderCapacity),
	}
}

func (r *Recorder) Add(txn *Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.next] = txn
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.filled = true
	}
}

// Snapshot returns the recorded transactions oldest-first.
func (r *Recorder) Snapshot() []TransactionView {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []*Transaction
	if r.filled {
		ordered = append(ordered, r.records[r.next:]...)
	}
	ordered = append(ordered, r.records[:r.next]...)

	views := make([]TransactionView, 0, len(ordered))
	for _, txn := range ordered {
		if txn == nil {
			continue
		}
		view := TransactionView{Transaction: *txn}
		if data, _, _ := txn.requestPreview.Snapshot(); len(data) > 0 {
			view.RequestPreview = string(data)
		}
		data, total, truncated := txn.responsePreview.Snapshot()
		view.ResponsePreview = string(data)
		view.ResponseSize = total
		view.ResponseTruncated = truncated
		views = append(views, view)
	}
	return views
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records = make([]*Transaction, recorderCapacity)
	r.next = 0
	r.filled = false
}
