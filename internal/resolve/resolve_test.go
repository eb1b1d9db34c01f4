package resolve

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/porteye/internal/errors"
)

// startServer runs a DNS server answering PTR queries from names.
func startServer(t *testing.T, names map[string]string) string {
	t.Helper()
	return serveDNS(t, func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		if name, ok := names[req.Question[0].Name]; ok {
			rr, err := dns.NewRR(req.Question[0].Name + " 60 IN PTR " + name)
			if err == nil {
				resp.Answer = append(resp.Answer, rr)
			}
		} else {
			resp.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(resp)
	})
}

// startHostServer runs a DNS server answering A and AAAA queries from
// hosts, keyed by fully qualified name.
func startHostServer(t *testing.T, hosts map[string][]string) string {
	t.Helper()
	return serveDNS(t, func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		for _, ip := range hosts[q.Name] {
			addr := netip.MustParseAddr(ip)
			if (q.Qtype == dns.TypeA) != addr.Is4() {
				continue
			}
			rrType := "A"
			if addr.Is6() {
				rrType = "AAAA"
			}
			if rr, err := dns.NewRR(q.Name + " 60 IN " + rrType + " " + ip); err == nil {
				resp.Answer = append(resp.Answer, rr)
			}
		}
		if _, ok := hosts[q.Name]; !ok {
			resp.Rcode = dns.RcodeNameError
		}
		_ = w.WriteMsg(resp)
	})
}

func serveDNS(t *testing.T, handler dns.HandlerFunc) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler:           handler,
	}

	go func() {
		_ = server.ActivateAndServe()
	}()
	t.Cleanup(func() {
		_ = server.Shutdown()
	})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("DNS server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	arpa4, err := dns.ReverseAddr("92.222.10.88")
	require.NoError(t, err)
	arpa6, err := dns.ReverseAddr("::1")
	require.NoError(t, err)

	addr := startServer(t, map[string]string{
		arpa4: "example.com.",
		arpa6: "localhost.",
	})
	resolver := NewDNSResolverWithServers([]string{addr}, time.Second)
	ctx := context.Background()

	assert.Equal(t, "example.com", resolver.Resolve(ctx, netip.MustParseAddr("92.222.10.88")))
	assert.Equal(t, "localhost", resolver.Resolve(ctx, netip.MustParseAddr("::1")))
	assert.Equal(t, "", resolver.Resolve(ctx, netip.MustParseAddr("192.0.2.1")))

	t.Run("mapped address", func(t *testing.T) {
		assert.Equal(t, "example.com", resolver.Resolve(ctx, netip.MustParseAddr("::ffff:92.222.10.88")))
	})

	t.Run("unreachable server", func(t *testing.T) {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		silent := pc.LocalAddr().String()
		defer pc.Close()

		r := NewDNSResolverWithServers([]string{silent}, 100*time.Millisecond)
		assert.Equal(t, "", r.Resolve(ctx, netip.MustParseAddr("92.222.10.88")))
	})

	t.Run("falls through to next server", func(t *testing.T) {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer pc.Close()

		r := NewDNSResolverWithServers([]string{pc.LocalAddr().String(), addr}, 100*time.Millisecond)
		assert.Equal(t, "example.com", r.Resolve(ctx, netip.MustParseAddr("92.222.10.88")))
	})
}

func TestNewDNSResolverDefaults(t *testing.T) {
	r := NewDNSResolverWithServers(nil, 0)
	assert.Equal(t, []string{fallbackServer}, r.Servers())
	assert.Equal(t, defaultTimeout, r.client.Timeout)

	assert.NotEmpty(t, NewDNSResolver(time.Second).Servers())
}

func TestStaticResolver(t *testing.T) {
	fixtures := Fixtures()
	r := NewStaticResolver(fixtures)
	ctx := context.Background()

	assert.Equal(t, "example.com", r.Resolve(ctx, netip.MustParseAddr("92.222.10.88")))
	assert.Equal(t, "acne.bad", r.Resolve(ctx, netip.MustParseAddr("82.64.28.100")))
	assert.Equal(t, "localhost", r.Resolve(ctx, netip.MustParseAddr("::1")))
	assert.Equal(t, "", r.Resolve(ctx, netip.MustParseAddr("192.0.2.1")))

	fixtures["192.0.2.1"] = "changed"
	assert.Equal(t, "", r.Resolve(ctx, netip.MustParseAddr("192.0.2.1")), "resolver keeps its own table")
}

func TestDNSResolverLookupHost(t *testing.T) {
	addr := startHostServer(t, map[string][]string{
		"example.com.": {"2001:db8::10", "92.222.10.88"},
		"v6only.test.": {"2001:db8::20"},
	})
	r := NewDNSResolverWithServers([]string{addr}, time.Second)
	ctx := context.Background()

	addrs, err := r.LookupHost(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("92.222.10.88"), netip.MustParseAddr("2001:db8::10")}, addrs)

	addrs, err = r.LookupHost(ctx, "v6only.test.")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("2001:db8::20")}, addrs)

	_, err = r.LookupHost(ctx, "missing.test")
	assert.True(t, errors.IsCode(err, errors.CodeInvalidHost), "got %v", err)

	_, err = r.LookupHost(ctx, "bad..name")
	assert.True(t, errors.IsCode(err, errors.CodeInvalidHost), "got %v", err)
}

func TestStaticResolverLookupHost(t *testing.T) {
	r := NewStaticResolver(Fixtures())
	ctx := context.Background()

	addrs, err := r.LookupHost(ctx, "Example.com.")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("92.222.10.88")}, addrs)

	addrs, err = r.LookupHost(ctx, "localhost")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.MustParseAddr("::1")}, addrs)

	_, err = r.LookupHost(ctx, "not-an-ip")
	assert.True(t, errors.IsCode(err, errors.CodeInvalidHost))
}
