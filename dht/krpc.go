package dht

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
)

// KRPC message types
const (
	QueryType    = "q"
	ResponseType = "r"
	ErrorType    = "e"
)

// KRPC query methods
const (
	MethodPing     = "ping"
	MethodFindNode = "find_node"
	MethodGetPeers = "get_peers"
	MethodAnnounce = "announce_peer"
)

// KRPC error codes
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// QueryTimeout is the per-attempt timeout for outgoing KRPC queries.
// A contact that misses all QueryRetries+1 attempts (the first try
// plus QueryRetries retries) is given up on by the caller.
const QueryTimeout = 5 * time.Second

// QueryRetries is the number of retries after the first attempt before
// a contact is considered unresponsive.
const QueryRetries = 2

// Message represents a KRPC message (query, response, or error)
type Message struct {
	TransactionID string            // "t" - transaction ID
	Type          string            // "y" - message type: q, r, or e
	Query         string            // "q" - query method name (for queries)
	Args          map[string]string // "a" - query arguments (string-valued)
	ArgsRaw       map[string]any    // "a" - full query arguments, for non-string fields (port, implied_port)
	Response      map[string]string // "r" - response values (string-valued)
	Values        []string          // "r.values" - compact peer strings, get_peers only
	Error         []any             // "e" - error [code, message]
}

// PendingQuery tracks an outgoing query waiting for response
type PendingQuery struct {
	TransactionID string
	Method        string
	Target        *net.UDPAddr
	SentAt        time.Time
	ResponseChan  chan *Message
}

// TransactionManager manages KRPC transaction IDs and pending queries
type TransactionManager struct {
	pending map[string]*PendingQuery
	mu      sync.RWMutex
	counter uint16
}

// NewTransactionManager creates a new transaction manager
func NewTransactionManager() *TransactionManager {
	return &TransactionManager{
		pending: make(map[string]*PendingQuery),
	}
}

// NewTransactionID generates a new 2-byte transaction ID
func (tm *TransactionManager) NewTransactionID() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.counter++
	return string([]byte{byte(tm.counter >> 8), byte(tm.counter)})
}

// AddPending registers a pending query
func (tm *TransactionManager) AddPending(txID, method string, target *net.UDPAddr) *PendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	pq := &PendingQuery{
		TransactionID: txID,
		Method:        method,
		Target:        target,
		SentAt:        time.Now(),
		ResponseChan:  make(chan *Message, 1),
	}
	tm.pending[txID] = pq
	return pq
}

// GetPending retrieves and removes a pending query
func (tm *TransactionManager) GetPending(txID string) *PendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	pq := tm.pending[txID]
	delete(tm.pending, txID)
	return pq
}

// CleanupExpired removes expired pending queries
func (tm *TransactionManager) CleanupExpired(timeout time.Duration) []*PendingQuery {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var expired []*PendingQuery
	now := time.Now()
	for txID, pq := range tm.pending {
		if now.Sub(pq.SentAt) > timeout {
			expired = append(expired, pq)
			delete(tm.pending, txID)
			close(pq.ResponseChan)
		}
	}
	return expired
}

// PendingCount returns the number of pending queries
func (tm *TransactionManager) PendingCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.pending)
}

// EncodePing creates a ping query message
func EncodePing(txID string, nodeID NodeID) []byte {
	return encodeMessage(map[string]any{
		"t": txID,
		"y": QueryType,
		"q": MethodPing,
		"a": map[string]any{"id": string(nodeID[:])},
	})
}

// EncodePingResponse creates a ping response message
func EncodePingResponse(txID string, nodeID NodeID) []byte {
	return encodeMessage(map[string]any{
		"t": txID,
		"y": ResponseType,
		"r": map[string]any{"id": string(nodeID[:])},
	})
}

// EncodeFindNode creates a find_node query message
func EncodeFindNode(txID string, nodeID, target NodeID) []byte {
	return encodeMessage(map[string]any{
		"t": txID,
		"y": QueryType,
		"q": MethodFindNode,
		"a": map[string]any{
			"id":     string(nodeID[:]),
			"target": string(target[:]),
		},
	})
}

// EncodeFindNodeResponse creates a find_node response message
func EncodeFindNodeResponse(txID string, nodeID NodeID, nodes []byte) []byte {
	return encodeMessage(map[string]any{
		"t": txID,
		"y": ResponseType,
		"r": map[string]any{
			"id":    string(nodeID[:]),
			"nodes": string(nodes),
		},
	})
}

// EncodeGetPeers creates a get_peers query message
func EncodeGetPeers(txID string, nodeID NodeID, infoHash [20]byte) []byte {
	return encodeMessage(map[string]any{
		"t": txID,
		"y": QueryType,
		"q": MethodGetPeers,
		"a": map[string]any{
			"id":        string(nodeID[:]),
			"info_hash": string(infoHash[:]),
		},
	})
}

// EncodeAnnouncePeer creates an announce_peer query message. Resolution
// never announces; this exists so krpc.go covers the full BEP 5 query
// set and a future write-path does not need a second codec.
func EncodeAnnouncePeer(txID string, nodeID NodeID, infoHash [20]byte, port int, token string) []byte {
	return encodeMessage(map[string]any{
		"t": txID,
		"y": QueryType,
		"q": MethodAnnounce,
		"a": map[string]any{
			"id":           string(nodeID[:]),
			"info_hash":    string(infoHash[:]),
			"port":         port,
			"token":        token,
			"implied_port": 0,
		},
	})
}

// EncodeGetPeersResponseNodes creates a get_peers response with nodes (no peers found)
func EncodeGetPeersResponseNodes(txID string, nodeID NodeID, token string, nodes []byte) []byte {
	return encodeMessage(map[string]any{
		"t": txID,
		"y": ResponseType,
		"r": map[string]any{
			"id":    string(nodeID[:]),
			"token": token,
			"nodes": string(nodes),
		},
	})
}

// EncodeGetPeersResponsePeers creates a get_peers response with peers
func EncodeGetPeersResponsePeers(txID string, nodeID NodeID, token string, peers []string) []byte {
	peerList := make([]any, len(peers))
	for i, p := range peers {
		peerList[i] = p
	}
	return encodeMessage(map[string]any{
		"t": txID,
		"y": ResponseType,
		"r": map[string]any{
			"id":     string(nodeID[:]),
			"token":  token,
			"values": peerList,
		},
	})
}

// EncodeError creates an error response message
func EncodeError(txID string, code int, message string) []byte {
	return encodeMessage(map[string]any{
		"t": txID,
		"y": ErrorType,
		"e": []any{code, message},
	})
}

// encodeMessage bencodes a KRPC message map. The bencode grammar is
// treated like any other wire format: github.com/jackpal/bencode-go
// does the actual encoding, same as the .torrent assembly in metainfo.
func encodeMessage(msg map[string]any) []byte {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, msg); err != nil {
		// msg is always one of the literal maps built above.
		panic(fmt.Sprintf("dht: bencode.Marshal rejected a well-formed KRPC message: %v", err))
	}
	return buf.Bytes()
}

// DecodeMessage parses a bencoded KRPC message
func DecodeMessage(data []byte) (*Message, error) {
	var raw any
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return nil, fmt.Errorf("dht: decode KRPC message: %w", err)
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("dht: KRPC message must be a dictionary")
	}

	msg := &Message{}

	t, ok := dict["t"].(string)
	if !ok {
		return nil, errors.New("dht: missing transaction ID")
	}
	msg.TransactionID = t

	y, ok := dict["y"].(string)
	if !ok {
		return nil, errors.New("dht: missing message type")
	}
	msg.Type = y

	switch msg.Type {
	case QueryType:
		if q, ok := dict["q"].(string); ok {
			msg.Query = q
		}
		if a, ok := dict["a"].(map[string]any); ok {
			msg.Args = stringValues(a)
			msg.ArgsRaw = a
		}
	case ResponseType:
		r, ok := dict["r"].(map[string]any)
		if !ok {
			return nil, errors.New("dht: response missing \"r\" dictionary")
		}
		msg.Response = stringValues(r)
		if values, ok := r["values"].([]any); ok {
			msg.Values = make([]string, 0, len(values))
			for _, v := range values {
				if s, ok := v.(string); ok {
					msg.Values = append(msg.Values, s)
				}
			}
		}
	case ErrorType:
		if e, ok := dict["e"].([]any); ok {
			msg.Error = e
		}
	default:
		return nil, fmt.Errorf("dht: unknown message type %q", msg.Type)
	}

	return msg, nil
}

// stringValues keeps only the string-valued entries of a decoded dict.
// "a"/"r" carry a handful of non-string fields (values, port);
// DecodeMessage keeps "values" in Message.Values (read via
// ExtractPeers) and the full "a" dict in ArgsRaw (read via IntArg).
func stringValues(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// IntArg reads an integer-valued query argument (e.g. "port",
// "implied_port"), tolerating whichever concrete integer type the
// bencode decoder produced.
func (m *Message) IntArg(key string) (int, bool) {
	v, ok := m.ArgsRaw[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// GenerateToken creates a random 8-character token (base32 alphabet)
// for get_peers replies. Incoming announce_peer queries are not
// checked against the tokens handed out.
func GenerateToken() (string, error) {
	return rand.Text()[:8], nil
}

// ExtractNodeID extracts the node ID from a KRPC message
func (m *Message) ExtractNodeID() (NodeID, error) {
	var id NodeID
	var idStr string

	if m.Type == QueryType && m.Args != nil {
		idStr = m.Args["id"]
	} else if m.Type == ResponseType && m.Response != nil {
		idStr = m.Response["id"]
	}

	if len(idStr) != 20 {
		return id, fmt.Errorf("dht: invalid node ID length: %d", len(idStr))
	}
	copy(id[:], idStr)
	return id, nil
}

// ExtractNodes extracts compact node info from a find_node or get_peers response
func (m *Message) ExtractNodes(ipv6 bool) ([]*NodeInfo, error) {
	if m.Response == nil {
		return nil, errors.New("dht: no response data")
	}

	key := "nodes"
	if ipv6 {
		key = "nodes6"
	}

	nodesStr, ok := m.Response[key]
	if !ok {
		return nil, nil // No nodes in response
	}

	return ParseCompactNodes([]byte(nodesStr), ipv6)
}

// Endpoint is a discovered peer address.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprint(e.Port))
}

// ExtractPeers parses the message's compact peer values (get_peers
// responses only), dropping any entry whose port is zero.
func (m *Message) ExtractPeers() []Endpoint {
	peers := make([]Endpoint, 0, len(m.Values))
	for _, v := range m.Values {
		if len(v) != 6 {
			continue
		}
		port := uint16(v[4])<<8 | uint16(v[5])
		if port == 0 {
			continue
		}
		ip := make(net.IP, 4)
		copy(ip, v[:4])
		peers = append(peers, Endpoint{IP: ip, Port: port})
	}
	return peers
}
