package device

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

const (
	mdnsAddress     = "224.0.0.251:5353"
	mdnsReadTimeout = 100 * time.Millisecond
	mdnsRetry       = time.Second
	mdnsMaxBuf      = 1500
)

// ResolveMDNS asks the local segment for the A record of hostname (for example
// "energyria.local.") and returns the first address announced before ctx ends.
func ResolveMDNS(ctx context.Context, hostname string) (string, error) {
	name := hostname
	if !strings.HasSuffix(name, ".") {
		name += "."
	}

	mcastAddr, err := net.ResolveUDPAddr("udp4", mdnsAddress)
	if err != nil {
		return "", fmt.Errorf("failed to resolve mDNS address: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, mcastAddr)
	if err != nil {
		return "", fmt.Errorf("failed to create multicast UDP listener: %w", err)
	}
	defer conn.Close()

	query, err := packQuery(name)
	if err != nil {
		return "", err
	}

	buf := make([]byte, mdnsMaxBuf)
	var lastQuery time.Time
	for ctx.Err() == nil {
		if time.Since(lastQuery) >= mdnsRetry {
			if _, err := conn.WriteTo(query, mcastAddr); err != nil {
				return "", fmt.Errorf("failed to send mDNS query: %w", err)
			}
			lastQuery = time.Now()
		}

		if err := conn.SetReadDeadline(time.Now().Add(mdnsReadTimeout)); err != nil {
			return "", fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		if ip, ok := answerFor(buf[:n], name); ok {
			return ip, nil
		}
	}
	return "", fmt.Errorf("no mDNS answer for %s: %w", name, ctx.Err())
}

func packQuery(name string) ([]byte, error) {
	dnsName, err := dnsmessage.NewName(name)
	if err != nil {
		return nil, fmt.Errorf("invalid mDNS name %q: %w", name, err)
	}
	msg := dnsmessage.Message{
		Questions: []dnsmessage.Question{{
			Name:  dnsName,
			Type:  dnsmessage.TypeA,
			Class: dnsmessage.ClassINET,
		}},
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack DNS message: %w", err)
	}
	return packed, nil
}

// answerFor returns the IPv4 address of the first A record for name.
func answerFor(data []byte, name string) (string, bool) {
	var msg dnsmessage.Message
	if err := msg.Unpack(data); err != nil {
		return "", false
	}
	for _, answer := range msg.Answers {
		if answer.Header.Type != dnsmessage.TypeA {
			continue
		}
		if !strings.EqualFold(answer.Header.Name.String(), name) {
			continue
		}
		if a, ok := answer.Body.(*dnsmessage.AResource); ok {
			return net.IP(a.A[:]).String(), true
		}
	}
	return "", false
}
