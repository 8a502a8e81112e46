package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
)

// PeerAddrKey is the context key for the transport-level peer address
const PeerAddrKey contextKey = "peer_addr"

// CapturePeerAddr records r.RemoteAddr before chi's RealIP replaces it with
// client-supplied forwarding headers. It must run ahead of RealIP.
func CapturePeerAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithPeerAddr(r.Context(), r.RemoteAddr)))
	})
}

// WithPeerAddr stores the peer address in the context
func WithPeerAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, PeerAddrKey, addr)
}

// GetPeerAddrFromContext returns the peer address captured by CapturePeerAddr
func GetPeerAddrFromContext(ctx context.Context) (string, bool) {
	addr, ok := ctx.Value(PeerAddrKey).(string)
	return addr, ok
}

// peerAddr returns the captured peer, falling back to r.RemoteAddr
func peerAddr(r *http.Request) (netip.Addr, bool) {
	raw, ok := GetPeerAddrFromContext(r.Context())
	if !ok {
		raw = r.RemoteAddr
	}
	host, _, err := net.SplitHostPort(raw)
	if err != nil {
		host = raw
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
