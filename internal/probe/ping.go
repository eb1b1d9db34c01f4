package probe

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Pinger performs the reachability probe of an engine.
type Pinger interface {
	Ping(ctx context.Context, addr netip.Addr) (bool, error)
}

// ICMPPinger sends ICMP echo requests with pro-bing. Unprivileged pingers
// use UDP-backed ICMP sockets, which Linux allows through
// net.ipv4.ping_group_range.
type ICMPPinger struct {
	Count      int
	Timeout    time.Duration
	Privileged bool
}

// NewICMPPinger creates a pinger sending count echo requests.
func NewICMPPinger(count int, timeout time.Duration, privileged bool) *ICMPPinger {
	if count <= 0 {
		count = 1
	}
	return &ICMPPinger{Count: count, Timeout: timeout, Privileged: privileged}
}

// Ping reports whether at least one echo reply was received.
func (p *ICMPPinger) Ping(ctx context.Context, addr netip.Addr) (bool, error) {
	pinger, err := probing.NewPinger(addr.String())
	if err != nil {
		return false, fmt.Errorf("create pinger: %w", err)
	}

	pinger.Count = p.Count
	if p.Timeout > 0 {
		pinger.Timeout = p.Timeout
	}
	pinger.SetPrivileged(p.Privileged)

	// Run pinger in a goroutine for context cancellation.
	done := make(chan error, 1)
	go func() {
		done <- pinger.Run()
	}()

	select {
	case err := <-done:
		if err != nil {
			return false, fmt.Errorf("ping %s: %w", addr, err)
		}
		return pinger.Statistics().PacketsRecv > 0, nil
	case <-ctx.Done():
		pinger.Stop()
		<-done
		return false, ctx.Err()
	}
}
