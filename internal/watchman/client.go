// Package watchman speaks the file-change service's JSON protocol over its
// unix socket and adapts its event stream into sync batches. The daemon does
// not walk directories itself; watchman owns change detection and burst
// settling.
package watchman

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrClosed is returned for requests issued after the connection is gone.
var ErrClosed = errors.New("watchman: connection closed")

// eventBuffer bounds the unilateral event queue. Watchman settles bursts
// before notifying, so depth beyond this means the consumer stalled.
const eventBuffer = 256

// dialTimeout bounds a single socket dial attempt.
const dialTimeout = 5 * time.Second

// FileRecord is a single file entry in a query result or subscription event.
type FileRecord struct {
	Name    string          `json:"name"`
	Size    int64           `json:"size"`
	MtimeMS int64           `json:"mtime_ms"`
	Exists  bool            `json:"exists"`
	Type    string          `json:"type"` // "f" file, "d" directory
	New     bool            `json:"new"`
	Ino     uint64          `json:"ino"`
	SHA1Raw json.RawMessage `json:"content.sha1hex"`
}

// SHA1Hex returns the content hash, or "" when watchman did not compute one
// (directories, hash errors — those arrive as an error object, not a string).
func (f FileRecord) SHA1Hex() string {
	var s string
	if err := json.Unmarshal(f.SHA1Raw, &s); err != nil {
		return ""
	}

	return s
}

// IsDir reports whether the record describes a directory.
func (f FileRecord) IsDir() bool {
	return f.Type == "d"
}

// QueryResult is the response to a since query.
type QueryResult struct {
	Clock           string       `json:"clock"`
	Files           []FileRecord `json:"files"`
	IsFreshInstance bool         `json:"is_fresh_instance"`
}

// SubscriptionEvent is a unilateral PDU published for a named subscription.
type SubscriptionEvent struct {
	Subscription    string       `json:"subscription"`
	Clock           string       `json:"clock"`
	Files           []FileRecord `json:"files"`
	IsFreshInstance bool         `json:"is_fresh_instance"`
	Root            string       `json:"root"`
}

// WatchProjectResult reports the resolved watch root, which may be an
// ancestor of the requested directory (relative_path holds the remainder).
type WatchProjectResult struct {
	Watch        string `json:"watch"`
	RelativePath string `json:"relative_path"`
}

// Query describes a since query or subscription body.
type Query struct {
	Since        string   `json:"since,omitempty"`
	RelativeRoot string   `json:"relative_root,omitempty"`
	Fields       []string `json:"fields"`
	Expression   []any    `json:"expression"`
}

// QueryFields is the field set every query and subscription requests.
var QueryFields = []string{"name", "size", "mtime_ms", "exists", "type", "new", "ino", "content.sha1hex"}

// FilesAndDirs matches regular files and directories, nothing else.
var FilesAndDirs = []any{"anyof", []any{"type", "f"}, []any{"type", "d"}}

// Client is a connection to the watchman service. Requests are serialized;
// unilateral subscription events are routed to the Events channel.
type Client struct {
	conn   net.Conn
	enc    *json.Encoder
	logger *slog.Logger

	reqMu  sync.Mutex
	respCh chan serverReply

	events chan SubscriptionEvent
	closed chan struct{}

	closeOnce sync.Once
}

type serverReply struct {
	raw map[string]json.RawMessage
	err error
}

// Connect dials the watchman socket at sockPath with capped exponential
// backoff and returns a ready client.
func Connect(ctx context.Context, sockPath string, logger *slog.Logger) (*Client, error) {
	var conn net.Conn

	backoff := retry.WithMaxRetries(4, retry.NewExponential(500*time.Millisecond))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		d := net.Dialer{Timeout: dialTimeout}

		c, dialErr := d.DialContext(ctx, "unix", sockPath)
		if dialErr != nil {
			return retry.RetryableError(dialErr)
		}

		conn = c

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("watchman: connecting to %s: %w", sockPath, err)
	}

	c := &Client{
		conn:   conn,
		enc:    json.NewEncoder(conn),
		logger: logger,
		respCh: make(chan serverReply),
		events: make(chan SubscriptionEvent, eventBuffer),
		closed: make(chan struct{}),
	}

	go c.readLoop()

	return c, nil
}

// Close tears down the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error

	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})

	return err
}

// Events returns the unilateral subscription event stream. The channel is
// closed when the connection drops.
func (c *Client) Events() <-chan SubscriptionEvent {
	return c.events
}

// readLoop decodes PDUs from the socket, routing unilateral subscription
// messages to the events channel and everything else to the pending request.
func (c *Client) readLoop() {
	defer close(c.events)

	dec := json.NewDecoder(c.conn)

	for {
		var msg map[string]json.RawMessage

		if err := dec.Decode(&msg); err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("watchman connection lost", slog.String("error", err.Error()))
			}

			// Unblock any request waiting for a reply.
			select {
			case c.respCh <- serverReply{err: ErrClosed}:
			default:
			}

			return
		}

		if _, ok := msg["subscription"]; ok {
			c.routeEvent(msg)
			continue
		}

		select {
		case c.respCh <- serverReply{raw: msg}:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) routeEvent(msg map[string]json.RawMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}

	var ev SubscriptionEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		c.logger.Warn("malformed subscription event", slog.String("error", err.Error()))
		return
	}

	select {
	case c.events <- ev:
	case <-c.closed:
	}
}

// command sends a request PDU and waits for its reply. Watchman replies in
// order, so one outstanding request at a time is sufficient.
func (c *Client) command(ctx context.Context, out any, args ...any) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	if err := c.enc.Encode(args); err != nil {
		return fmt.Errorf("watchman: sending %v: %w", args[0], err)
	}

	var reply serverReply

	select {
	case reply = <-c.respCh:
	case <-ctx.Done():
		return fmt.Errorf("watchman: awaiting %v reply: %w", args[0], ctx.Err())
	case <-c.closed:
		return ErrClosed
	}

	if reply.err != nil {
		return reply.err
	}

	if errMsg, ok := reply.raw["error"]; ok {
		var s string
		_ = json.Unmarshal(errMsg, &s)

		return fmt.Errorf("watchman: %v failed: %s", args[0], s)
	}

	if out == nil {
		return nil
	}

	raw, err := json.Marshal(reply.raw)
	if err != nil {
		return fmt.Errorf("watchman: re-encoding %v reply: %w", args[0], err)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("watchman: decoding %v reply: %w", args[0], err)
	}

	return nil
}

// Version returns the service version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}

	if err := c.command(ctx, &out, "version"); err != nil {
		return "", err
	}

	return out.Version, nil
}

// WatchProject registers a directory with the service.
func (c *Client) WatchProject(ctx context.Context, dir string) (WatchProjectResult, error) {
	var out WatchProjectResult

	if err := c.command(ctx, &out, "watch-project", dir); err != nil {
		return WatchProjectResult{}, err
	}

	return out, nil
}

// RunQuery issues a one-shot since query against a watch root.
func (c *Client) RunQuery(ctx context.Context, watchRoot string, q Query) (QueryResult, error) {
	var out QueryResult

	if err := c.command(ctx, &out, "query", watchRoot, q); err != nil {
		return QueryResult{}, err
	}

	return out, nil
}

// Subscribe publishes a named subscription against a watch root. Events
// arrive on the Events channel.
func (c *Client) Subscribe(ctx context.Context, watchRoot, name string, q Query) error {
	return c.command(ctx, nil, "subscribe", watchRoot, name, q)
}

// Unsubscribe removes a named subscription.
func (c *Client) Unsubscribe(ctx context.Context, watchRoot, name string) error {
	return c.command(ctx, nil, "unsubscribe", watchRoot, name)
}

// ShutdownServer asks the service to terminate. Only instances this daemon
// spawned are ever shut down.
func (c *Client) ShutdownServer(ctx context.Context) error {
	return c.command(ctx, nil, "shutdown-server")
}

// Sockname locates the watchman socket. Order: $WATCHMAN_SOCK, then the
// watchman CLI without spawning, then the CLI with spawning allowed. The
// second return value reports whether this call spawned the service.
func Sockname(ctx context.Context) (string, bool, error) {
	if sock := os.Getenv("WATCHMAN_SOCK"); sock != "" {
		return sock, false, nil
	}

	if sock, err := sockFromCLI(ctx, true); err == nil {
		return sock, false, nil
	}

	sock, err := sockFromCLI(ctx, false)
	if err != nil {
		return "", false, fmt.Errorf("watchman: locating socket: %w", err)
	}

	return sock, true, nil
}

// sockFromCLI asks the watchman binary for its socket path. With noSpawn the
// probe fails instead of starting a new service instance.
func sockFromCLI(ctx context.Context, noSpawn bool) (string, error) {
	args := []string{"--output-encoding=json"}
	if noSpawn {
		args = append(args, "--no-spawn")
	}

	args = append(args, "get-sockname")

	out, err := exec.CommandContext(ctx, "watchman", args...).Output()
	if err != nil {
		return "", fmt.Errorf("running watchman get-sockname: %w", err)
	}

	var parsed struct {
		Sockname string `json:"sockname"`
	}

	if err := json.Unmarshal([]byte(strings.TrimSpace(string(out))), &parsed); err != nil {
		return "", fmt.Errorf("parsing get-sockname output: %w", err)
	}

	if parsed.Sockname == "" {
		return "", errors.New("empty sockname in watchman reply")
	}

	return parsed.Sockname, nil
}
