package transport_test

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmemail/internal/mailtest"
	"github.com/blockadesystems/acmemail/internal/transport"
)

// startDNS serves the given MX answers per zone and NXDOMAIN for everything else.
func startDNS(t *testing.T, zones map[string][]*mdns.MX) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := mdns.HandlerFunc(func(w mdns.ResponseWriter, r *mdns.Msg) {
		m := new(mdns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		records, ok := zones[q.Name]
		if !ok {
			m.Rcode = mdns.RcodeNameError
		}
		for _, mx := range records {
			rr := *mx
			rr.Hdr = mdns.RR_Header{Name: q.Name, Rrtype: mdns.TypeMX, Class: mdns.ClassINET, Ttl: 60}
			m.Answer = append(m.Answer, &rr)
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestDirectSender_LookupMX(t *testing.T) {
	dnsAddr := startDNS(t, map[string][]*mdns.MX{
		"example.org.": {
			{Preference: 20, Mx: "backup.example.org."},
			{Preference: 10, Mx: "mx1.example.org."},
		},
		"no-mx.example.": nil,
		"null.example.":  {{Preference: 0, Mx: "."}},
	})
	s := transport.NewDirectSender([]string{dnsAddr}, 25)
	ctx := context.Background()

	hosts, err := s.LookupMX(ctx, "example.org")
	require.NoError(t, err)
	assert.Equal(t, []string{"mx1.example.org", "backup.example.org"}, hosts)

	hosts, err = s.LookupMX(ctx, "no-mx.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"no-mx.example"}, hosts)

	_, err = s.LookupMX(ctx, "null.example")
	assert.ErrorIs(t, err, transport.ErrNoMailExchanger)

	_, err = s.LookupMX(ctx, "missing.example")
	assert.ErrorIs(t, err, transport.ErrNoMailExchanger)
}

func TestDirectSender_Send(t *testing.T) {
	received := make(chan delivery, 1)
	smtpAddr := startListener(t, func(ctx context.Context, from string, to []string, raw []byte) error {
		received <- delivery{from: from, to: to, raw: raw}
		return nil
	})
	_, portStr, err := net.SplitHostPort(smtpAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	// mailtest.ReplyTo lives at example.org; its exchanger is the local test listener.
	dnsAddr := startDNS(t, map[string][]*mdns.MX{
		"example.org.": {{Preference: 10, Mx: "127.0.0.1."}},
	})

	err = transport.NewDirectSender([]string{dnsAddr}, port).Send(context.Background(), newReply(t))
	require.NoError(t, err)

	select {
	case d := <-received:
		assert.Equal(t, mailtest.Recipient, d.from)
		assert.Equal(t, []string{mailtest.ReplyTo}, d.to)
	case <-time.After(5 * time.Second):
		t.Fatal("reply was not delivered")
	}
}

func TestDirectSender_AllExchangersFail(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	require.NoError(t, ln.Close())

	dnsAddr := startDNS(t, map[string][]*mdns.MX{
		"example.org.": {{Preference: 10, Mx: "127.0.0.1."}},
	})
	err = transport.NewDirectSender([]string{dnsAddr}, port).Send(context.Background(), newReply(t))
	assert.ErrorContains(t, err, "transport: failed to deliver reply to example.org")
}
