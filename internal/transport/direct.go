package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	mdns "github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/email"
)

// ErrNoMailExchanger is returned when the reply domain publishes a null MX or cannot be resolved.
var ErrNoMailExchanger = errors.New("transport: no mail exchanger for domain")

// DirectSender delivers replies to the mail exchangers of the reply address domain.
type DirectSender struct {
	client      *mdns.Client
	nameservers []string
	port        int
}

var _ Sender = (*DirectSender)(nil)

// NewDirectSender creates a sender resolving MX records through nameservers (host:port).
// Without nameservers the servers from /etc/resolv.conf are used.
func NewDirectSender(nameservers []string, port int) *DirectSender {
	if len(nameservers) == 0 {
		nameservers = systemNameservers()
	}
	return &DirectSender{
		client:      &mdns.Client{Timeout: 5 * time.Second},
		nameservers: nameservers,
		port:        port,
	}
}

func systemNameservers() []string {
	conf, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		logger.Warn("No usable resolv.conf, falling back to localhost resolver", zap.Error(err))
		return []string{"127.0.0.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		servers = append(servers, net.JoinHostPort(s, conf.Port))
	}
	return servers
}

func (s *DirectSender) Send(ctx context.Context, reply *email.Reply) error {
	raw, err := reply.Bytes()
	if err != nil {
		return fmt.Errorf("transport: failed to serialize reply: %w", err)
	}
	to := reply.EnvelopeTo()
	if len(to) == 0 {
		return errors.New("transport: reply has no recipient")
	}
	domain := to[0][strings.LastIndex(to[0], "@")+1:]

	hosts, err := s.LookupMX(ctx, domain)
	if err != nil {
		return err
	}

	var lastErr error
	for _, host := range hosts {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr := net.JoinHostPort(host, strconv.Itoa(s.port))
		lastErr = smtp.SendMail(addr, nil, reply.EnvelopeFrom(), to, bytes.NewReader(raw))
		if lastErr == nil {
			logger.Info("Reply delivered", zap.String("mx", addr), zap.String("messageID", reply.MessageID), zap.Strings("to", to))
			return nil
		}
		logger.Warn("Delivery to mail exchanger failed", zap.String("mx", addr), zap.Error(lastErr))
	}
	return fmt.Errorf("transport: failed to deliver reply to %s: %w", domain, lastErr)
}

// LookupMX returns the mail exchangers of domain ordered by preference. A domain without
// MX records is its own exchanger (RFC 5321 section 5.1). A null MX (RFC 7505) is an error.
func (s *DirectSender) LookupMX(ctx context.Context, domain string) ([]string, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(domain), mdns.TypeMX)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range s.nameservers {
		resp, _, err := s.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		switch resp.Rcode {
		case mdns.RcodeSuccess:
			return exchangers(domain, resp.Answer)
		case mdns.RcodeNameError:
			return nil, fmt.Errorf("%w '%s': NXDOMAIN", ErrNoMailExchanger, domain)
		default:
			lastErr = fmt.Errorf("rcode %s", mdns.RcodeToString[resp.Rcode])
		}
	}
	return nil, fmt.Errorf("transport: MX lookup for '%s' failed: %w", domain, lastErr)
}

func exchangers(domain string, answer []mdns.RR) ([]string, error) {
	var records []*mdns.MX
	for _, rr := range answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, mx)
		}
	}
	if len(records) == 0 {
		return []string{domain}, nil
	}
	slices.SortStableFunc(records, func(a, b *mdns.MX) int {
		return int(a.Preference) - int(b.Preference)
	})

	hosts := make([]string, 0, len(records))
	for _, mx := range records {
		host := strings.TrimSuffix(mx.Mx, ".")
		if host == "" {
			continue
		}
		hosts = append(hosts, host)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w '%s': null MX", ErrNoMailExchanger, domain)
	}
	return hosts, nil
}
