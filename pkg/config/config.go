// Package config loads the node runtime's YAML cluster configuration and
// the node_ips.csv address table.
package config

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vicdc21/aerolineas-rusticas/pkg/cqlerror"
)

// Cluster holds every tunable of the node runtime. It is loaded from a YAML
// file and then overridden field-by-field from environment variables.
type Cluster struct {
	// NodeIPsPath points at the node_ips.csv address table, defaulting to
	// ./node_ips.csv.
	NodeIPsPath string `yaml:"node_ips_path"`

	// CertPath is the PEM certificate bundle used by the TLS acceptor.
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`

	// MetadataRoot is the root of nodes_metadata/<id>/...
	MetadataRoot string `yaml:"metadata_root"`
	// StorageRoot is the root of storage/<id>/...
	StorageRoot string `yaml:"storage_root"`

	// BasePort is the client-facing TLS port for node id 0; every node's
	// client port is BasePort+id, and its internal port is
	// BasePort+id+InternalPortOffset.
	BasePort           int `yaml:"base_port"`
	InternalPortOffset int `yaml:"internal_port_offset"`

	// Credentials is the configured credential set STARTUP/AUTH validates
	// against. Values are bcrypt hashes, not plaintext.
	Credentials map[string]string `yaml:"credentials"`

	// Gossip/heartbeat tuning.
	HeartbeatTick    time.Duration `yaml:"heartbeat_tick"`
	GossipTick       time.Duration `yaml:"gossip_tick"`
	FailureThreshold int           `yaml:"failure_threshold_ticks"`

	// Dispatch deadline for internal replica requests.
	ReplicaDeadline time.Duration `yaml:"replica_deadline"`

	// WorkerPoolSize bounds the thread pool servicing both listeners.
	WorkerPoolSize int `yaml:"worker_pool_size"`

	// MaxFrameBody caps a CQL frame body length; exceeding it is a
	// ProtocolError.
	MaxFrameBody uint32 `yaml:"max_frame_body"`
}

// Default returns the configuration used when no YAML file is supplied.
func Default() *Cluster {
	return &Cluster{
		NodeIPsPath:        "./node_ips.csv",
		CertPath:           "./cert.pem",
		KeyPath:            "./cert.pem",
		MetadataRoot:       "./nodes_metadata",
		StorageRoot:        "./storage",
		BasePort:           9042,
		InternalPortOffset: 1000,
		Credentials:        map[string]string{},
		HeartbeatTick:      1 * time.Second,
		GossipTick:         3 * time.Second,
		FailureThreshold:   8,
		ReplicaDeadline:    2 * time.Second,
		WorkerPoolSize:     32,
		MaxFrameBody:       256 << 20, // 256 MiB
	}
}

// Load reads a YAML config file over the defaults, then applies
// AERO_-prefixed environment variable overrides for the fields most likely
// to be set per-deployment rather than checked into the file.
func Load(path string) (*Cluster, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, cqlerror.Configf("reading config %s: %v", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, cqlerror.Configf("parsing config %s: %v", path, err)
			}
		}
	}
	c.applyEnvOverrides()
	if c.HeartbeatTick <= 0 {
		c.HeartbeatTick = 1 * time.Second
	}
	if c.GossipTick <= 0 {
		c.GossipTick = 3 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 8
	}
	if c.ReplicaDeadline <= 0 {
		c.ReplicaDeadline = 2 * time.Second
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = 32
	}
	if c.MaxFrameBody == 0 {
		c.MaxFrameBody = 256 << 20
	}
	return c, nil
}

func (c *Cluster) applyEnvOverrides() {
	if v := os.Getenv("AERO_NODE_IPS_PATH"); v != "" {
		c.NodeIPsPath = v
	}
	if v := os.Getenv("AERO_CERT_PATH"); v != "" {
		c.CertPath = v
	}
	if v := os.Getenv("AERO_KEY_PATH"); v != "" {
		c.KeyPath = v
	}
	if v := os.Getenv("AERO_STORAGE_ROOT"); v != "" {
		c.StorageRoot = v
	}
	if v := os.Getenv("AERO_METADATA_ROOT"); v != "" {
		c.MetadataRoot = v
	}
	if v := os.Getenv("AERO_BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BasePort = n
		}
	}
}

// PortType selects which of a node's two sockets is being resolved.
type PortType int

const (
	ClientPort PortType = iota
	InternalPort
)

// ClientAddr returns the host:port a node's client-facing TLS listener binds to.
func (c *Cluster) ClientAddr(ip string, id byte) string {
	return fmt.Sprintf("%s:%d", ip, c.BasePort+int(id))
}

// InternalAddr returns the host:port a node's internal listener binds to.
func (c *Cluster) InternalAddr(ip string, id byte) string {
	return fmt.Sprintf("%s:%d", ip, c.BasePort+int(id)+c.InternalPortOffset)
}

// Addr resolves either socket by PortType.
func (c *Cluster) Addr(ip string, id byte, pt PortType) string {
	if pt == InternalPort {
		return c.InternalAddr(ip, id)
	}
	return c.ClientAddr(ip, id)
}

// AddrTable maps NodeId -> ip, loaded from node_ips.csv. Rows are
// "<id>,<ip>"; the bootstrap line (a brand-new, not-yet-registered node)
// carries a blank id.
type AddrTable struct {
	byID map[byte]string
	ids  []byte // ascending, kept in sync with byID
}

// LoadAddrTable reads node_ips.csv at path.
func LoadAddrTable(path string) (*AddrTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cqlerror.Configf("opening node_ips.csv: %v", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	t := &AddrTable{byID: map[byte]string{}}
	for {
		record, err := r.Read()
		if err != nil {
			break
		}
		if len(record) != 2 {
			return nil, cqlerror.Configf("malformed node_ips.csv row: %v", record)
		}
		idField := strings.TrimSpace(record[0])
		ip := strings.TrimSpace(record[1])
		if idField == "" {
			continue // bootstrap line, no id assigned yet
		}
		n, err := strconv.Atoi(idField)
		if err != nil || n < 0 || n > 255 {
			return nil, cqlerror.Configf("malformed node id %q in node_ips.csv", idField)
		}
		t.Set(byte(n), ip)
	}
	return t, nil
}

// Set registers or updates a node's ip, keeping the ascending id index.
func (t *AddrTable) Set(id byte, ip string) {
	if _, ok := t.byID[id]; !ok {
		t.ids = append(t.ids, id)
		sortBytes(t.ids)
	}
	t.byID[id] = ip
}

// Remove deregisters a node.
func (t *AddrTable) Remove(id byte) {
	if _, ok := t.byID[id]; !ok {
		return
	}
	delete(t.byID, id)
	for i, v := range t.ids {
		if v == id {
			t.ids = append(t.ids[:i], t.ids[i+1:]...)
			break
		}
	}
}

// IP returns the ip registered for id.
func (t *AddrTable) IP(id byte) (string, bool) {
	ip, ok := t.byID[id]
	return ip, ok
}

// IDs returns every known node id, ascending.
func (t *AddrTable) IDs() []byte {
	out := make([]byte, len(t.ids))
	copy(out, t.ids)
	return out
}

// Append persists a new (id, ip) row to the node_ips.csv file at path.
func Append(path string, id byte, ip string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return cqlerror.Configf("opening node_ips.csv for append: %v", err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d,%s\n", id, ip)
	return err
}

func sortBytes(b []byte) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j-1] > b[j]; j-- {
			b[j-1], b[j] = b[j], b[j-1]
		}
	}
}
