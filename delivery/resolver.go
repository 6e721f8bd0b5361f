// Package delivery implements the outbound delivery engine: MX
// resolution, per-recipient delivery attempts against resolved host
// lists, and the queue processor driving retry/backoff scheduling.
package delivery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/kitemail/kite/consts"
	"github.com/kitemail/kite/logger"
)

// ResolverConfig configures MX resolution.
type ResolverConfig struct {
	// Nameservers to query ("host:port"). Empty uses /etc/resolv.conf,
	// falling back to public resolvers.
	Nameservers []string
	// Timeout per DNS query. Default 5s.
	Timeout time.Duration
	// Retries across the nameserver list. Default 2.
	Retries int
}

// Resolver resolves destination domains to ordered mail exchanger host
// lists. "No route" (consts.ErrNoMailExchanger) is terminal for a
// recipient; "transient DNS error" (consts.ErrDNSTemporary) is
// retryable. The distinction drives the retry policy.
type Resolver struct {
	config   ResolverConfig
	exchange func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error)
}

// NewResolver creates an MX resolver.
func NewResolver(config ResolverConfig) *Resolver {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries <= 0 {
		config.Retries = 2
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}

	client := &dns.Client{Timeout: config.Timeout}
	return &Resolver{
		config: config,
		exchange: func(ctx context.Context, msg *dns.Msg, server string) (*dns.Msg, error) {
			resp, _, err := client.ExchangeContext(ctx, msg, server)
			return resp, err
		},
	}
}

// systemNameservers reads /etc/resolv.conf, falling back to public DNS.
func systemNameservers() []string {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(conf.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(conf.Servers))
	for _, s := range conf.Servers {
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		servers = append(servers, s)
	}
	return servers
}

// ResolveMX returns the domain's mail exchanger hostnames ordered by
// ascending preference, ties kept in resolver-returned order. A domain
// with no MX records but an A/AAAA record yields the implicit MX (the
// domain itself). A null MX record (RFC 7505) or a domain with neither
// MX nor address records returns consts.ErrNoMailExchanger.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) ([]string, error) {
	resp, err := r.query(ctx, domain, dns.TypeMX)
	if err != nil {
		return nil, err
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		// Fall through to answer processing.
	case dns.RcodeNameError:
		return nil, fmt.Errorf("%w: domain %s does not exist", consts.ErrNoMailExchanger, domain)
	default:
		return nil, fmt.Errorf("%w: %s lookup returned %s",
			consts.ErrDNSTemporary, domain, dns.RcodeToString[resp.Rcode])
	}

	type mxRecord struct {
		pref uint16
		host string
	}
	var records []mxRecord
	for _, ans := range resp.Answer {
		mx, ok := ans.(*dns.MX)
		if !ok {
			continue
		}
		host := strings.TrimSuffix(mx.Mx, ".")
		// Null MX: the domain explicitly receives no mail.
		if host == "" && mx.Preference == 0 {
			return nil, fmt.Errorf("%w: %s publishes a null MX", consts.ErrNoMailExchanger, domain)
		}
		records = append(records, mxRecord{pref: mx.Preference, host: host})
	}

	if len(records) == 0 {
		return r.implicitMX(ctx, domain)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].pref < records[j].pref
	})
	hosts := make([]string, len(records))
	for i, rec := range records {
		hosts[i] = rec.host
	}
	return hosts, nil
}

// implicitMX falls back to the domain itself when it has an address
// record but no MX (RFC 5321 §5.1).
func (r *Resolver) implicitMX(ctx context.Context, domain string) ([]string, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		resp, err := r.query(ctx, domain, qtype)
		if err != nil {
			return nil, err
		}
		if resp.Rcode != dns.RcodeSuccess {
			continue
		}
		for _, ans := range resp.Answer {
			switch ans.(type) {
			case *dns.A, *dns.AAAA:
				logger.Debug("Resolver: using implicit MX", "domain", domain)
				return []string{domain}, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s has neither MX nor address records", consts.ErrNoMailExchanger, domain)
}

// query runs one DNS question against the nameserver list with retries.
// Exhausting all servers without an answer is a transient failure.
func (r *Resolver) query(ctx context.Context, domain string, qtype uint16) (*dns.Msg, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	var lastErr error
	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		for _, server := range r.config.Nameservers {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", consts.ErrDNSTemporary, ctx.Err())
			default:
			}

			resp, err := r.exchange(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}
			return resp, nil
		}
	}
	return nil, fmt.Errorf("%w: all nameservers failed for %s: %v",
		consts.ErrDNSTemporary, domain, lastErr)
}
