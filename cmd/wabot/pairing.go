package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Pairing states reported on /qr.
const (
	pairingUnknown = "unknown"
	pairingWaiting = "waiting-for-scan"
	pairingPaired  = "paired"
	pairingTimeout = "timeout"
)

// pairingStatus tracks the QR login so an operator without terminal
// access can fetch the current code over HTTP.
type pairingStatus struct {
	mu      sync.RWMutex
	state   string
	code    string
	updated time.Time
}

type pairingSnapshot struct {
	State   string    `json:"state"`
	Code    string    `json:"code,omitempty"`
	Updated time.Time `json:"updated"`
}

func newPairingStatus() *pairingStatus {
	return &pairingStatus{state: pairingUnknown, updated: time.Now()}
}

func (p *pairingStatus) set(state, code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.code = code
	p.updated = time.Now()
}

func (p *pairingStatus) snapshot() pairingSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return pairingSnapshot{State: p.state, Code: p.code, Updated: p.updated}
}

// ServeHTTP writes the pairing state as JSON. The QR payload is only
// included while a scan is pending.
func (p *pairingStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := p.snapshot()
	if snap.State != pairingWaiting {
		snap.Code = ""
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(snap)
}
