package transport

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/ruteri/aura/interfaces"
)

// RelayService is the SRV service label relays are published under.
const RelayService = "_aura-relay._tcp."

// DefaultResolver is the local stub resolver used when none is configured.
const DefaultResolver = "127.0.0.53:53"

// ResolveRelaySRV looks up the relay SRV records of domain at resolver and
// returns their host:port targets ordered by priority, then by descending
// weight.
func ResolveRelaySRV(ctx context.Context, domain, resolver string) ([]string, error) {
	if resolver == "" {
		resolver = DefaultResolver
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(RelayService+strings.TrimSuffix(domain, ".")), dns.TypeSRV)
	m.RecursionDesired = true

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, resolver)
	if err != nil {
		return nil, interfaces.WrapError(interfaces.KindTransient, "resolve relay", err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, interfaces.NewError(interfaces.KindNotFound, "resolve relay", dns.RcodeToString[in.Rcode])
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return nil, interfaces.NewError(interfaces.KindNotFound, "resolve relay", fmt.Sprintf("no SRV records for %s", domain))
	}
	slices.SortStableFunc(records, func(a, b *dns.SRV) int {
		if a.Priority != b.Priority {
			return int(a.Priority) - int(b.Priority)
		}
		return int(b.Weight) - int(a.Weight)
	})

	targets := make([]string, len(records))
	for i, r := range records {
		targets[i] = net.JoinHostPort(strings.TrimSuffix(r.Target, "."), strconv.Itoa(int(r.Port)))
	}
	return targets, nil
}

// RelayURL turns an SRV target into the relay's WebSocket endpoint.
func RelayURL(target string) string {
	return "wss://" + target + "/relay"
}
