package testutil

import (
	"errors"
	"net"
	"net/http"
	"sync/atomic"
)

// NetworkSwitch is an http.RoundTripper that can simulate a device losing
// its network. While offline every request fails with a dial error before
// reaching the server, the way a phone without signal does.
//
// Each simulated device gets its own switch, so devices sharing one
// FakeServer can be offline independently.
type NetworkSwitch struct {
	base    http.RoundTripper
	offline atomic.Bool
}

// NewNetworkSwitch wraps base. A nil base uses a fresh http.Transport.
func NewNetworkSwitch(base http.RoundTripper) *NetworkSwitch {
	if base == nil {
		base = &http.Transport{}
	}
	return &NetworkSwitch{base: base}
}

// SetOnline toggles connectivity.
func (n *NetworkSwitch) SetOnline(online bool) {
	n.offline.Store(!online)
}

// Online reports the simulated connectivity.
func (n *NetworkSwitch) Online() bool {
	return !n.offline.Load()
}

// RoundTrip implements http.RoundTripper.
func (n *NetworkSwitch) RoundTrip(req *http.Request) (*http.Response, error) {
	if n.offline.Load() {
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: errors.New("network is unreachable"),
		}
	}
	return n.base.RoundTrip(req)
}

// Client returns an *http.Client using the switch as transport.
func (n *NetworkSwitch) Client() *http.Client {
	return &http.Client{Transport: n}
}
