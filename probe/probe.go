// Package probe is a small manager-side SNMP client for verifying a
// running subagent: issue GET and walk requests against the master agent
// and check that registered objects come back with the expected values.
// It wraps gosnmp and is intended for integration tests and operational
// smoke checks, not for general-purpose SNMP management.
//
// Basic Usage:
//
//	client, err := probe.New(probe.Options{Target: "127.0.0.1"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	results, err := client.Get(".1.3.6.1.4.1.8072.2.1.0")
package probe

import (
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Options configures a probe client. Zero values take the usual SNMP
// defaults: port 161, community "public", SNMPv2c.
type Options struct {
	Target    string
	Port      uint16
	Community string
	Timeout   time.Duration
	Retries   int
}

// Result is one varbind from a response, with the value normalized to a
// comparable Go type.
type Result struct {
	OID   string
	Type  gosnmp.Asn1BER
	Value any
}

// Client is a connected SNMP client.
type Client struct {
	inner *gosnmp.GoSNMP
}

// New opens a client socket towards the target. No SNMP traffic is
// exchanged until the first request.
func New(opts Options) (*Client, error) {
	if opts.Target == "" {
		return nil, fmt.Errorf("probe: target required")
	}
	if opts.Port == 0 {
		opts.Port = 161
	}
	if opts.Community == "" {
		opts.Community = "public"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	inner := &gosnmp.GoSNMP{
		Target:    opts.Target,
		Port:      opts.Port,
		Community: opts.Community,
		Version:   gosnmp.Version2c,
		Timeout:   opts.Timeout,
		Retries:   opts.Retries,
	}
	if err := inner.Connect(); err != nil {
		return nil, fmt.Errorf("probe: connect %s: %w", opts.Target, err)
	}
	return &Client{inner: inner}, nil
}

// Close releases the client socket.
func (c *Client) Close() error {
	return c.inner.Conn.Close()
}

// Get fetches the given instance OIDs in one request.
func (c *Client) Get(oids ...string) ([]Result, error) {
	packet, err := c.inner.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("probe: get: %w", err)
	}
	if packet.Error != gosnmp.NoError {
		return nil, fmt.Errorf("probe: get: %s at index %d", packet.Error, packet.ErrorIndex)
	}

	results := make([]Result, 0, len(packet.Variables))
	for _, pdu := range packet.Variables {
		results = append(results, toResult(pdu))
	}
	return results, nil
}

// Walk bulk-walks the subtree under root.
func (c *Client) Walk(root string) ([]Result, error) {
	pdus, err := c.inner.BulkWalkAll(root)
	if err != nil {
		return nil, fmt.Errorf("probe: walk %s: %w", root, err)
	}

	results := make([]Result, 0, len(pdus))
	for _, pdu := range pdus {
		results = append(results, toResult(pdu))
	}
	return results, nil
}

// toResult normalizes a response varbind. Octet strings arrive as []byte
// and are kept that way; counters come back as uint64 regardless of
// width, matching gosnmp's decoding.
func toResult(pdu gosnmp.SnmpPDU) Result {
	value := pdu.Value
	switch pdu.Type {
	case gosnmp.OctetString, gosnmp.Opaque:
		if b, ok := value.([]byte); ok {
			value = append([]byte(nil), b...)
		}
	case gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64:
		value = gosnmp.ToBigInt(value).Uint64()
	}
	return Result{OID: pdu.Name, Type: pdu.Type, Value: value}
}
