package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultCommandTimeout = 30 * time.Second

	authTicks = 50
	fctUser   = 5
)

type Config struct {
	ConnectTimeout time.Duration
	// CommandTimeout bounds each request/response exchange. Large user lists
	// take the terminal a while, so it is separate from ConnectTimeout.
	CommandTimeout time.Duration
	// Location is the timezone the terminals keep their clocks in.
	Location *time.Location
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// TCPDialer is the Dialer for terminals on the framed TCP protocol.
type TCPDialer struct {
	cfg Config
}

func NewDialer(cfg Config) *TCPDialer {
	return &TCPDialer{cfg: cfg.withDefaults()}
}

func (d *TCPDialer) Dial(ctx context.Context, ep Endpoint) (Session, error) {
	c, err := d.Connect(ctx, ep.Address())
	if err != nil {
		return nil, err
	}
	if err := c.Authenticate(ctx, ep.CommKey); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// Connect opens the socket and performs the connect handshake. The returned
// Conn may still require Authenticate.
func (d *TCPDialer) Connect(ctx context.Context, addr string) (*Conn, error) {
	nd := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, newError(KindConnection, "connect "+addr, err)
	}

	c := &Conn{
		conn:    nc,
		cfg:     d.cfg,
		replyID: ushrtMax - 1,
	}
	reply, err := c.exchange(ctx, "connect", CmdConnect, nil)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	c.sessionID = reply.SessionID

	switch reply.Command {
	case CmdAckOK:
	case CmdAckUnauth:
		c.needsAuth = true
	default:
		_ = nc.Close()
		return nil, newError(KindProtocol, "connect", fmt.Errorf("unexpected reply %d", reply.Command))
	}
	return c, nil
}

// Conn is a Session over one TCP connection. Commands on a Conn are
// serialized.
type Conn struct {
	mu        sync.Mutex
	conn      net.Conn
	cfg       Config
	sessionID uint16
	replyID   uint16
	needsAuth bool
	closed    bool
	// broken is set once a frame was lost or garbled; the stream can no
	// longer be trusted to line up with our reply ids.
	broken bool
}

func (c *Conn) SessionID() uint16 { return c.sessionID }

// Authenticate sends the scrambled communication key if the terminal asked
// for one during connect.
func (c *Conn) Authenticate(ctx context.Context, commKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.needsAuth {
		return nil
	}
	if strings.TrimSpace(commKey) == "" {
		return newError(KindAuth, "auth", errors.New("terminal requires a communication key"))
	}
	key, err := ParseCommKey(commKey)
	if err != nil {
		return newError(KindAuth, "auth", err)
	}

	reply, err := c.exchange(ctx, "auth", CmdAuth, MakeCommKey(key, c.sessionID, authTicks))
	if err != nil {
		return err
	}
	switch reply.Command {
	case CmdAckOK:
		c.needsAuth = false
		return nil
	case CmdAckUnauth, CmdAckError:
		return newError(KindAuth, "auth", nil)
	}
	return newError(KindProtocol, "auth", fmt.Errorf("unexpected reply %d", reply.Command))
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.cfg.CommandTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	return d
}

// exchange writes one command and reads its reply. Cancellation is only
// honoured before the command is written; an exchange in flight runs to
// completion or to its deadline so a frame is never cut in half.
func (c *Conn) exchange(ctx context.Context, op string, cmd uint16, payload []byte) (Packet, error) {
	if c.closed {
		return Packet{}, newError(KindConnection, op, net.ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return Packet{}, classify(op, err)
	}

	c.replyID = NextReplyID(c.replyID)
	req := Packet{Command: cmd, SessionID: c.sessionID, ReplyID: c.replyID, Payload: payload}

	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return Packet{}, classify(op, err)
	}
	if _, err := c.conn.Write(EncodePacket(req)); err != nil {
		c.broken = true
		return Packet{}, classify(op, err)
	}
	return c.read(ctx, op)
}

func (c *Conn) read(ctx context.Context, op string) (Packet, error) {
	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return Packet{}, classify(op, err)
	}
	reply, err := ReadPacket(c.conn)
	if err != nil {
		c.broken = true
		var te *Error
		if errors.As(err, &te) {
			te.Op = op
			return Packet{}, te
		}
		return Packet{}, classify(op, err)
	}
	if reply.ReplyID != c.replyID {
		c.broken = true
		return Packet{}, newError(KindProtocol, op,
			fmt.Errorf("reply id %d does not match request %d", reply.ReplyID, c.replyID))
	}
	return reply, nil
}

// command runs a command whose only acceptable outcome is ACK_OK.
func (c *Conn) command(ctx context.Context, op string, cmd uint16, payload []byte) (Packet, error) {
	reply, err := c.exchange(ctx, op, cmd, payload)
	if err != nil {
		return Packet{}, err
	}
	if err := ackError(op, reply); err != nil {
		return Packet{}, err
	}
	return reply, nil
}

func ackError(op string, reply Packet) error {
	switch reply.Command {
	case CmdAckOK, CmdAckData:
		return nil
	case CmdAckError:
		return newError(KindRejected, op, nil)
	case CmdAckUnauth:
		return newError(KindAuth, op, nil)
	}
	return newError(KindProtocol, op, fmt.Errorf("unexpected reply %d", reply.Command))
}

// readBulk runs a read command that answers with a data buffer, either
// inline or announced by PREPARE_DATA and streamed in DATA chunks.
func (c *Conn) readBulk(ctx context.Context, op string, cmd uint16, payload []byte) ([]byte, error) {
	reply, err := c.exchange(ctx, op, cmd, payload)
	if err != nil {
		return nil, err
	}

	switch reply.Command {
	case CmdData:
		return reply.Payload, nil
	case CmdAckOK:
		return reply.Payload, nil
	case CmdPrepareData:
	default:
		if err := ackError(op, reply); err != nil {
			return nil, err
		}
		return nil, newError(KindProtocol, op, fmt.Errorf("unexpected reply %d", reply.Command))
	}

	if len(reply.Payload) < 4 {
		return nil, newError(KindProtocol, op, errors.New("prepare-data reply without size"))
	}
	size := int(binary.LittleEndian.Uint32(reply.Payload))
	if size > MaxPayload {
		return nil, newError(KindProtocol, op, fmt.Errorf("announced %d bytes exceeds limit", size))
	}

	buf := make([]byte, 0, size)
	for len(buf) < size {
		chunk, err := c.read(ctx, op)
		if err != nil {
			return nil, err
		}
		if chunk.Command != CmdData {
			return nil, newError(KindProtocol, op, fmt.Errorf("expected data chunk, got %d", chunk.Command))
		}
		buf = append(buf, chunk.Payload...)
	}
	if len(buf) != size {
		return nil, newError(KindProtocol, op, fmt.Errorf("received %d bytes, announced %d", len(buf), size))
	}

	done, err := c.read(ctx, op)
	if err != nil {
		return nil, err
	}
	if err := ackError(op, done); err != nil {
		return nil, err
	}
	if _, err := c.command(ctx, op+" free", CmdFreeData, nil); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *Conn) GetUserList(ctx context.Context) ([]DeviceUser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.readBulk(ctx, "get users", CmdUserRead, []byte{fctUser})
	if err != nil {
		return nil, err
	}
	records, err := splitRecords(data, UserRecordSize)
	if err != nil {
		return nil, newError(KindProtocol, "get users", err)
	}
	users := make([]DeviceUser, 0, len(records))
	for _, r := range records {
		u, err := DecodeUserRecord(r)
		if err != nil {
			return nil, newError(KindProtocol, "get users", err)
		}
		users = append(users, u)
	}
	return users, nil
}

func (c *Conn) GetAttendanceLog(ctx context.Context, since time.Time) ([]RawPunch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := c.readBulk(ctx, "get attendance", CmdAttLogRead, nil)
	if err != nil {
		return nil, err
	}
	records, err := splitRecords(data, AttendanceRecordSize)
	if err != nil {
		return nil, newError(KindProtocol, "get attendance", err)
	}

	punches := make([]RawPunch, 0, len(records))
	for _, r := range records {
		p, err := DecodeAttendanceRecord(r, c.cfg.Location)
		if err != nil {
			return nil, newError(KindProtocol, "get attendance", err)
		}
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		punches = append(punches, p)
	}
	sort.SliceStable(punches, func(i, j int) bool {
		return punches[i].Timestamp.Before(punches[j].Timestamp)
	})
	return punches, nil
}

func (c *Conn) SetUser(ctx context.Context, u DeviceUser) error {
	rec, err := EncodeUserRecord(u)
	if err != nil {
		return newError(KindRejected, "set user", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.command(ctx, "set user", CmdUserWrite, rec); err != nil {
		return err
	}
	_, err = c.command(ctx, "refresh", CmdRefreshData, nil)
	return err
}

func (c *Conn) DeleteUser(ctx context.Context, uid int) error {
	if uid <= 0 || uid > 0xFFFF {
		return newError(KindRejected, "delete user", fmt.Errorf("uid %d out of range", uid))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	payload := binary.LittleEndian.AppendUint16(nil, uint16(uid))
	if _, err := c.command(ctx, "delete user", CmdDeleteUser, payload); err != nil {
		return err
	}
	_, err := c.command(ctx, "refresh", CmdRefreshData, nil)
	return err
}

func (c *Conn) ClearAttendanceLog(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.command(ctx, "clear attendance", CmdClearAttLog, nil)
	return err
}

// GetDeviceInfo reports firmware, serial number and the user/fingerprint/
// record counts and capacities.
func (c *Conn) GetDeviceInfo(ctx context.Context) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := make(map[string]string)

	reply, err := c.command(ctx, "get version", CmdGetVersion, nil)
	if err != nil {
		return nil, err
	}
	info["firmware"] = trimNull(reply.Payload)

	reply, err = c.command(ctx, "get options", CmdOptionsRead, []byte("~SerialNumber\x00"))
	if err != nil {
		return nil, err
	}
	if _, v, ok := strings.Cut(trimNull(reply.Payload), "="); ok {
		info["serial_number"] = v
	}

	reply, err = c.command(ctx, "get sizes", CmdGetFreeSizes, nil)
	if err != nil {
		return nil, err
	}
	if len(reply.Payload) < 80 {
		return nil, newError(KindProtocol, "get sizes", fmt.Errorf("sizes reply is %d bytes", len(reply.Payload)))
	}
	field := func(i int) string {
		return fmt.Sprint(int32(binary.LittleEndian.Uint32(reply.Payload[i*4:])))
	}
	info["users"] = field(4)
	info["fingers"] = field(6)
	info["records"] = field(8)
	info["cards"] = field(12)
	info["fingers_capacity"] = field(14)
	info["users_capacity"] = field(15)
	info["records_capacity"] = field(16)
	return info, nil
}

// Close says goodbye to the terminal and releases the socket. It is safe to
// call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if !c.broken {
		ctx, cancel := context.WithTimeout(context.Background(), min(2*time.Second, c.cfg.CommandTimeout))
		_, _ = c.exchange(ctx, "exit", CmdExit, nil)
		cancel()
	}

	c.closed = true
	return c.conn.Close()
}

func trimNull(b []byte) string {
	return strings.TrimRight(string(b), "\x00 ")
}
