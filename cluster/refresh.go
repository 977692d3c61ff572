// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cluster

import (
	"context"
	"fmt"
	"net"

	"github.com/luxfi/cql/conn"
	"github.com/luxfi/cql/utils/set"
	"github.com/luxfi/cql/wire"
)

// The system catalog tables queried on the connected node.
const (
	selectLocal = "SELECT * FROM system.local"
	selectPeers = "SELECT * FROM system.peers"
)

func (ct *Control) query(ctx context.Context, c *conn.Conn, stmt string) (*wire.RowsResult, error) {
	resp, err := c.Request(ctx, &wire.Query{
		Statement: stmt,
		Params:    wire.QueryParams{Consistency: wire.One},
	})
	if err != nil {
		return nil, err
	}
	rows, ok := resp.(*wire.RowsResult)
	if !ok {
		return nil, fmt.Errorf("%q: unexpected result %T", stmt, resp)
	}
	return rows, nil
}

// decodeRows maps each row to column-name keyed values through the codec
// registry.
func (ct *Control) decodeRows(rr *wire.RowsResult, pv wire.ProtocolVersion) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(rr.Rows))
	for _, row := range rr.Rows {
		m := make(map[string]any, len(rr.Metadata.Columns))
		for i, spec := range rr.Metadata.Columns {
			if i >= len(row) {
				break
			}
			cdc, err := ct.opts.Registry.CodecFor(spec.Type)
			if err != nil {
				// Columns the registry cannot decode are skipped; the
				// refresh only needs a known subset.
				continue
			}
			v, err := cdc.Deserialize(row[i], pv)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", spec.Name, err)
			}
			m[spec.Name] = v
		}
		out = append(out, m)
	}
	return out, nil
}

func rowString(m map[string]any, k string) string {
	s, _ := m[k].(string)
	return s
}

func rowStrings(m map[string]any, k string) []string {
	v, _ := m[k].([]string)
	return v
}

func rowIP(m map[string]any, k string) string {
	ip, _ := m[k].(net.IP)
	if ip == nil {
		return ""
	}
	return ip.String()
}

// refreshTopology queries system.local and system.peers on the control
// connection and reconciles the host registry: attributes updated in
// place, unseen peers added, vanished peers removed. Peers are matched to
// hosts by rpc_address; the listen address from the catalog is stored on
// the host without being exposed, and refresh does not read it back.
func (ct *Control) refreshTopology(ctx context.Context, c *conn.Conn) error {
	pv := c.Version()

	localRows, err := ct.query(ctx, c, selectLocal)
	if err != nil {
		return fmt.Errorf("system.local: %w", err)
	}
	local, err := ct.decodeRows(localRows, pv)
	if err != nil {
		return fmt.Errorf("system.local: %w", err)
	}
	if len(local) > 0 {
		row := local[0]
		h, _ := ct.metadata.GetOrAddHost(c.Addr())
		h.setInfo(
			rowString(row, "data_center"),
			rowString(row, "rack"),
			rowString(row, "release_version"),
			rowStrings(row, "tokens"),
			rowIP(row, "listen_address"),
		)
		ct.metadata.setTokens(h, rowStrings(row, "tokens"))
	}

	peerRows, err := ct.query(ctx, c, selectPeers)
	if err != nil {
		return fmt.Errorf("system.peers: %w", err)
	}
	peers, err := ct.decodeRows(peerRows, pv)
	if err != nil {
		return fmt.Errorf("system.peers: %w", err)
	}

	_, port, err := net.SplitHostPort(c.Addr())
	if err != nil {
		return err
	}

	seen := set.Of(c.Addr())
	for _, row := range peers {
		rpc := rowIP(row, "rpc_address")
		if rpc == "" {
			continue
		}
		addr := net.JoinHostPort(rpc, port)
		seen.Add(addr)

		ct.addHost(addr)
		h := ct.metadata.GetHost(addr)
		if h == nil {
			continue
		}
		h.setInfo(
			rowString(row, "data_center"),
			rowString(row, "rack"),
			rowString(row, "release_version"),
			rowStrings(row, "tokens"),
			rowIP(row, "peer"),
		)
		ct.metadata.setTokens(h, rowStrings(row, "tokens"))
	}

	// Hosts absent from the catalog have left the cluster.
	for _, h := range ct.metadata.Hosts() {
		if !seen.Contains(h.Address()) {
			ct.removeHost(h.Address())
		}
	}
	return nil
}

// refreshSchema records the node's schema version; repeated schema events
// within the debounce window coalesce into one of these fetches.
func (ct *Control) refreshSchema(ctx context.Context, c *conn.Conn) error {
	rows, err := ct.query(ctx, c, "SELECT schema_version FROM system.local")
	if err != nil {
		return err
	}
	decoded, err := ct.decodeRows(rows, c.Version())
	if err != nil {
		return err
	}
	if len(decoded) == 0 {
		return nil
	}
	if sv, ok := decoded[0]["schema_version"].(fmt.Stringer); ok {
		ct.metadata.setSchemaVersion(sv.String())
	}
	return nil
}
