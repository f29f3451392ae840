// Package terminaltest runs an in-process fake terminal that speaks the
// framed TCP protocol, for tests of the transport and the services above it.
package terminaltest

import (
	"encoding/binary"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pdks/engine/internal/pdks/transport"
)

type Server struct {
	ln  net.Listener
	loc *time.Location
	wg  sync.WaitGroup

	mu          sync.Mutex
	commKey     uint32
	users       map[int]transport.DeviceUser
	punches     []transport.RawPunch
	reject      map[int]bool
	delays      map[uint16]time.Duration
	chunkSize   int
	corrupt     bool
	nextSession uint16
	active      int
	maxActive   int
	sessions    int
	commands    []uint16
	conns       map[net.Conn]struct{}
	closed      bool
}

// NewServer starts a fake terminal on a loopback port. It is shut down when
// the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("terminaltest: listen: %v", err)
	}
	s := &Server{
		ln:          ln,
		loc:         time.UTC,
		users:       make(map[int]transport.DeviceUser),
		reject:      make(map[int]bool),
		delays:      make(map[uint16]time.Duration),
		conns:       make(map[net.Conn]struct{}),
		nextSession: 100,
	}
	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// UnreachableAddr returns a loopback address nothing listens on.
func UnreachableAddr(t testing.TB) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("terminaltest: listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()
	return addr.IP.String(), addr.Port
}

func (s *Server) Host() string { return s.ln.Addr().(*net.TCPAddr).IP.String() }
func (s *Server) Port() int    { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *Server) Endpoint() transport.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep := transport.Endpoint{Host: s.Host(), Port: s.Port()}
	if s.commKey != 0 {
		ep.CommKey = strconv.FormatUint(uint64(s.commKey), 10)
	}
	return ep
}

func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	_ = s.ln.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// SetCommKey makes the terminal demand the given communication key.
func (s *Server) SetCommKey(key uint32) {
	s.mu.Lock()
	s.commKey = key
	s.mu.Unlock()
}

// SetTimezone sets the zone the terminal clock runs in.
func (s *Server) SetTimezone(loc *time.Location) {
	s.mu.Lock()
	s.loc = loc
	s.mu.Unlock()
}

// SetDelay makes the terminal wait before answering cmd.
func (s *Server) SetDelay(cmd uint16, d time.Duration) {
	s.mu.Lock()
	s.delays[cmd] = d
	s.mu.Unlock()
}

// SetChunkSize switches bulk reads to PREPARE_DATA + chunked DATA frames.
func (s *Server) SetChunkSize(n int) {
	s.mu.Lock()
	s.chunkSize = n
	s.mu.Unlock()
}

// RejectUID makes user writes for uid answer ACK_ERROR.
func (s *Server) RejectUID(uid int) {
	s.mu.Lock()
	s.reject[uid] = true
	s.mu.Unlock()
}

// SetCorruptChecksum garbles the checksum of every reply.
func (s *Server) SetCorruptChecksum(on bool) {
	s.mu.Lock()
	s.corrupt = on
	s.mu.Unlock()
}

func (s *Server) AddUser(u transport.DeviceUser) {
	s.mu.Lock()
	s.users[u.UID] = u
	s.mu.Unlock()
}

// AddPunch stores an attendance record. ts is interpreted in UTC and stored
// on the terminal clock.
func (s *Server) AddPunch(uid int, userID string, ts time.Time) {
	s.mu.Lock()
	s.punches = append(s.punches, transport.RawPunch{UID: uid, UserID: userID, Timestamp: ts, Status: 1})
	s.mu.Unlock()
}

func (s *Server) Users() map[int]transport.DeviceUser {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]transport.DeviceUser, len(s.users))
	for k, v := range s.users {
		out[k] = v
	}
	return out
}

func (s *Server) PunchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.punches)
}

// MaxConcurrentSessions is the highest number of simultaneously connected
// sessions observed.
func (s *Server) MaxConcurrentSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// ActiveSessions counts sessions that have connected and not yet hung up.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Server) Commands() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.commands...)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handle(c)
	}
}

type connState struct {
	session       uint16
	connected     bool
	authenticated bool
}

func (s *Server) handle(c net.Conn) {
	defer s.wg.Done()
	st := &connState{}
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		if st.connected {
			s.active--
		}
		s.mu.Unlock()
		_ = c.Close()
	}()

	for {
		req, err := transport.ReadPacket(c)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, req.Command)
		delay := s.delays[req.Command]
		s.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		if err := s.dispatch(c, st, req); err != nil {
			return
		}
	}
}

var errHangup = errors.New("hangup")

func (s *Server) dispatch(c net.Conn, st *connState, req transport.Packet) error {
	s.mu.Lock()
	commKey := s.commKey
	s.mu.Unlock()

	switch req.Command {
	case transport.CmdConnect:
		s.mu.Lock()
		s.nextSession++
		st.session = s.nextSession
		st.connected = true
		st.authenticated = commKey == 0
		s.active++
		s.sessions++
		if s.active > s.maxActive {
			s.maxActive = s.active
		}
		s.mu.Unlock()
		if !st.authenticated {
			return s.reply(c, st, req, transport.CmdAckUnauth, nil)
		}
		return s.reply(c, st, req, transport.CmdAckOK, nil)

	case transport.CmdAuth:
		want := transport.MakeCommKey(commKey, st.session, 50)
		if string(req.Payload) == string(want) {
			st.authenticated = true
			return s.reply(c, st, req, transport.CmdAckOK, nil)
		}
		return s.reply(c, st, req, transport.CmdAckUnauth, nil)

	case transport.CmdExit:
		// Release the slot before acknowledging so a caller that connects
		// right after its previous session closed never sees an overlap.
		s.mu.Lock()
		if st.connected {
			st.connected = false
			s.active--
		}
		s.mu.Unlock()
		_ = s.reply(c, st, req, transport.CmdAckOK, nil)
		return errHangup
	}

	if !st.authenticated {
		return s.reply(c, st, req, transport.CmdAckUnauth, nil)
	}

	switch req.Command {
	case transport.CmdUserRead:
		return s.sendData(c, st, req, s.userBuffer())
	case transport.CmdAttLogRead:
		return s.sendData(c, st, req, s.attendanceBuffer())
	case transport.CmdFreeData, transport.CmdRefreshData,
		transport.CmdEnableDevice, transport.CmdDisableDevice:
		return s.reply(c, st, req, transport.CmdAckOK, nil)

	case transport.CmdUserWrite:
		u, err := transport.DecodeUserRecord(req.Payload)
		if err != nil {
			return s.reply(c, st, req, transport.CmdAckError, nil)
		}
		s.mu.Lock()
		rejected := s.reject[u.UID]
		if !rejected {
			s.users[u.UID] = u
		}
		s.mu.Unlock()
		if rejected {
			return s.reply(c, st, req, transport.CmdAckError, nil)
		}
		return s.reply(c, st, req, transport.CmdAckOK, nil)

	case transport.CmdDeleteUser:
		if len(req.Payload) < 2 {
			return s.reply(c, st, req, transport.CmdAckError, nil)
		}
		uid := int(binary.LittleEndian.Uint16(req.Payload))
		s.mu.Lock()
		delete(s.users, uid)
		s.mu.Unlock()
		return s.reply(c, st, req, transport.CmdAckOK, nil)

	case transport.CmdClearAttLog:
		s.mu.Lock()
		s.punches = nil
		s.mu.Unlock()
		return s.reply(c, st, req, transport.CmdAckOK, nil)

	case transport.CmdGetVersion:
		return s.reply(c, st, req, transport.CmdAckOK, []byte("Ver 6.60 Apr 28 2017\x00"))

	case transport.CmdOptionsRead:
		return s.reply(c, st, req, transport.CmdAckOK, []byte("~SerialNumber=TST0000001\x00"))

	case transport.CmdGetFreeSizes:
		s.mu.Lock()
		fields := make([]int32, 20)
		fields[4] = int32(len(s.users))
		fields[8] = int32(len(s.punches))
		fields[14] = 3000
		fields[15] = 10000
		fields[16] = 100000
		s.mu.Unlock()
		buf := make([]byte, 0, 80)
		for _, f := range fields {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(f))
		}
		return s.reply(c, st, req, transport.CmdAckOK, buf)
	}

	return s.reply(c, st, req, transport.CmdAckError, nil)
}

func (s *Server) userBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	uids := make([]int, 0, len(s.users))
	for uid := range s.users {
		uids = append(uids, uid)
	}
	sort.Ints(uids)
	records := make([][]byte, 0, len(uids))
	for _, uid := range uids {
		rec, err := transport.EncodeUserRecord(s.users[uid])
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return transport.JoinRecords(records)
}

func (s *Server) attendanceBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([][]byte, 0, len(s.punches))
	for _, p := range s.punches {
		records = append(records, transport.EncodeAttendanceRecord(p, s.loc))
	}
	return transport.JoinRecords(records)
}

func (s *Server) sendData(c net.Conn, st *connState, req transport.Packet, data []byte) error {
	s.mu.Lock()
	chunk := s.chunkSize
	s.mu.Unlock()

	if chunk <= 0 {
		return s.reply(c, st, req, transport.CmdData, data)
	}

	size := binary.LittleEndian.AppendUint32(nil, uint32(len(data)))
	if err := s.reply(c, st, req, transport.CmdPrepareData, size); err != nil {
		return err
	}
	for off := 0; off < len(data); off += chunk {
		end := min(off+chunk, len(data))
		if err := s.reply(c, st, req, transport.CmdData, data[off:end]); err != nil {
			return err
		}
	}
	return s.reply(c, st, req, transport.CmdAckOK, nil)
}

func (s *Server) reply(c net.Conn, st *connState, req transport.Packet, cmd uint16, payload []byte) error {
	b := transport.EncodePacket(transport.Packet{
		Command:   cmd,
		SessionID: st.session,
		ReplyID:   req.ReplyID,
		Payload:   payload,
	})
	s.mu.Lock()
	corrupt := s.corrupt
	s.mu.Unlock()
	if corrupt {
		// checksum field sits after the 8-byte envelope and the command
		b[10] ^= 0xFF
	}
	_, err := c.Write(b)
	return err
}
