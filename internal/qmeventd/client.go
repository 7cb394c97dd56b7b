package qmeventd

import "time"

// bufferCapacity is the fixed per-client read buffer size. No inbound
// JSON object larger than this can be processed; see parser.go.
const bufferCapacity = 4096

// maxVMIDLen bounds the decimal vmid string pulled from /proc/<pid>/cgroup.
const maxVMIDLen = 15

// noPidfd marks a client with no open process-descriptor.
const noPidfd = -1

// ClientKind classifies a connection once it has identified itself.
type ClientKind string

const (
	KindUnknown  ClientKind = "unknown"
	KindEmulator ClientKind = "emulator"
	KindBackup   ClientKind = "backup"
)

// ClientState is the emulator protocol state. Backup and unknown
// clients have no state machine beyond their kind.
type ClientState string

const (
	StateHandshake            ClientState = "handshake"
	StateIdle                 ClientState = "idle"
	StateExpectStatusResponse ClientState = "expect-status-response"
	StateTerminating          ClientState = "terminating"
)

// Client is one open connection, either to an emulator or a backup
// driver, or not yet classified. Fields beyond fd/pid/kind/state/buffer
// are meaningful only for the corresponding kind; see spec section 3.
type Client struct {
	fd    int
	pid   int
	kind  ClientKind
	state ClientState

	buf    [bufferCapacity]byte
	buflen int

	// emulator-only
	vmid              string
	registered        bool // true iff inserted into the registry (false on collision)
	graceful          bool
	guestInitiated    bool
	backupInProgress  bool
	terminationQueued bool
	pidfd             int
	deadline          time.Time
	inForcedCleanup   bool

	// backup-only
	backupVMID string
}

func newClient(fd int) *Client {
	return &Client{
		fd:    fd,
		kind:  KindUnknown,
		state: StateHandshake,
		pidfd: noPidfd,
	}
}

// registry maps vmid to the single emulator client currently registered
// for it. The mapping is the sole source of truth for the backup-client
// to emulator-client relationship: backups reference a vmid, never a
// pointer, so an evicted emulator simply disappears from lookups.
type registry struct {
	byVMID map[string]*Client
}

func newRegistry() *registry {
	return &registry{byVMID: make(map[string]*Client)}
}

// insert adds c under c.vmid. It returns false without modifying the
// registry if the slot is already occupied: the caller logs and keeps
// the first entry, per spec section 4.7.
func (r *registry) insert(c *Client) bool {
	if _, exists := r.byVMID[c.vmid]; exists {
		return false
	}
	r.byVMID[c.vmid] = c
	return true
}

func (r *registry) lookup(vmid string) (*Client, bool) {
	c, ok := r.byVMID[vmid]
	return c, ok
}

func (r *registry) remove(vmid string) {
	delete(r.byVMID, vmid)
}
