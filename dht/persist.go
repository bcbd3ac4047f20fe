package dht

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"
)

// DefaultNodesFile is the default state-file name a long-lived DHT
// node saves its routing table to between process restarts (§4.3).
const DefaultNodesFile = ".dht_nodes.json"

// nodeJSON is one contact's on-disk representation.
type nodeJSON struct {
	ID   string `json:"id"`   // hex-encoded node ID
	Addr string `json:"addr"` // "ip:port"
}

// nodesFile is the versioned state-file format: a version number and
// the known contacts. The local node ID is not stored in it.
type nodesFile struct {
	Version int        `json:"version"`
	Nodes   []nodeJSON `json:"nodes"`
}

// SaveNodes snapshots the routing table's known contacts to path,
// the `save_state` half of §4.3's public operations. An empty table
// writes nothing, so a fresh, never-bootstrapped node doesn't clobber
// an existing snapshot with nothing.
func (rt *RoutingTable) SaveNodes(path string) error {
	nodes := rt.AllNodes()
	if len(nodes) == 0 {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file := nodesFile{
		Version: 1,
		Nodes:   make([]nodeJSON, len(nodes)),
	}
	for i, node := range nodes {
		file.Nodes[i] = nodeJSON{
			ID:   fmt.Sprintf("%x", node.ID),
			Addr: node.Addr.String(),
		}
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadNodes restores a previously saved snapshot into the routing
// table, the `load_state` half of §4.3. It reports how many contacts
// were actually re-admitted; a missing file is not an error, since a
// node's first run has nothing to load.
func (rt *RoutingTable) LoadNodes(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read file: %w", err)
	}

	var file nodesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse JSON: %w", err)
	}

	loaded := 0
	for _, n := range file.Nodes {
		node, err := parseNodeJSON(n)
		if err != nil {
			continue // one bad entry shouldn't sink the whole restore
		}
		if rt.AddNode(node) {
			loaded++
		}
	}
	return loaded, nil
}

// parseNodeJSON turns one persisted entry back into a live contact.
func parseNodeJSON(n nodeJSON) (*NodeInfo, error) {
	var id NodeID
	if len(n.ID) != 40 {
		return nil, fmt.Errorf("invalid node ID length")
	}
	for i := range 20 {
		var b byte
		if _, err := fmt.Sscanf(n.ID[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, fmt.Errorf("invalid node ID hex: %w", err)
		}
		id[i] = b
	}

	addr, err := net.ResolveUDPAddr("udp", n.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}
	return &NodeInfo{
		ID:       id,
		Addr:     addr,
		LastSeen: time.Now(),
	}, nil
}
