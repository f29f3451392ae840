package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	UserRecordSize       = 72
	AttendanceRecordSize = 40
)

// Privilege levels stored in a user record.
const (
	RoleUser  = 0
	RoleAdmin = 14
)

// DeviceUser is a user slot on a terminal.
type DeviceUser struct {
	UID        int    // internal slot number, 1..65535
	UserID     string // enrollment id shown on the terminal
	Name       string
	CardNumber string // decimal card number, "" or "0" for none
	Role       int
	Password   string
}

// RawPunch is one attendance record as stored by the terminal.
type RawPunch struct {
	UID       int
	UserID    string
	Timestamp time.Time // UTC
	Status    int       // verification method reported by the terminal
	Punch     int
	Raw       []byte
}

// RawHex is the record as hex, kept for audit.
func (p RawPunch) RawHex() string { return hex.EncodeToString(p.Raw) }

// EncodeTime packs a device-local wall clock into the terminal's 32-bit
// timestamp. Only years 2000-2099 are representable.
func EncodeTime(t time.Time) uint32 {
	d := ((t.Year()%100)*12*31 + (int(t.Month())-1)*31 + t.Day() - 1) * (24 * 60 * 60)
	d += (t.Hour()*60+t.Minute())*60 + t.Second()
	return uint32(d)
}

// DecodeTime unpacks a terminal timestamp as a wall clock in loc.
func DecodeTime(v uint32, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := int(v)
	second := t % 60
	t /= 60
	minute := t % 60
	t /= 60
	hour := t % 24
	t /= 24
	day := t%31 + 1
	t /= 31
	month := t%12 + 1
	t /= 12
	year := t + 2000
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
}

func putString(dst []byte, s string) {
	copy(dst, s)
}

func getString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

// EncodeUserRecord lays u out as a 72-byte user record:
// uid u16, privilege u8, password [8], name [24], card u32, pad, group [7], pad, user id [24].
func EncodeUserRecord(u DeviceUser) ([]byte, error) {
	if u.UID <= 0 || u.UID > 0xFFFF {
		return nil, fmt.Errorf("uid %d out of range", u.UID)
	}
	var card uint64
	if c := strings.TrimSpace(u.CardNumber); c != "" {
		v, err := strconv.ParseUint(c, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("card number %q: %w", u.CardNumber, err)
		}
		card = v
	}
	userID := u.UserID
	if userID == "" {
		userID = strconv.Itoa(u.UID)
	}

	b := make([]byte, UserRecordSize)
	binary.LittleEndian.PutUint16(b[0:], uint16(u.UID))
	b[2] = byte(u.Role)
	putString(b[3:11], u.Password)
	putString(b[11:35], u.Name)
	binary.LittleEndian.PutUint32(b[35:], uint32(card))
	putString(b[40:47], "1")
	putString(b[48:72], userID)
	return b, nil
}

func DecodeUserRecord(b []byte) (DeviceUser, error) {
	if len(b) != UserRecordSize {
		return DeviceUser{}, fmt.Errorf("user record is %d bytes, want %d", len(b), UserRecordSize)
	}
	u := DeviceUser{
		UID:      int(binary.LittleEndian.Uint16(b[0:])),
		Role:     int(b[2]),
		Password: getString(b[3:11]),
		Name:     getString(b[11:35]),
		UserID:   getString(b[48:72]),
	}
	if card := binary.LittleEndian.Uint32(b[35:]); card != 0 {
		u.CardNumber = strconv.FormatUint(uint64(card), 10)
	}
	return u, nil
}

// EncodeAttendanceRecord lays p out as a 40-byte record:
// uid u16, user id [24], status u8, time u32, punch u8, reserved [8].
func EncodeAttendanceRecord(p RawPunch, loc *time.Location) []byte {
	if loc == nil {
		loc = time.UTC
	}
	b := make([]byte, AttendanceRecordSize)
	binary.LittleEndian.PutUint16(b[0:], uint16(p.UID))
	putString(b[2:26], p.UserID)
	b[26] = byte(p.Status)
	binary.LittleEndian.PutUint32(b[27:], EncodeTime(p.Timestamp.In(loc)))
	b[31] = byte(p.Punch)
	return b
}

func DecodeAttendanceRecord(b []byte, loc *time.Location) (RawPunch, error) {
	if len(b) != AttendanceRecordSize {
		return RawPunch{}, fmt.Errorf("attendance record is %d bytes, want %d", len(b), AttendanceRecordSize)
	}
	raw := make([]byte, len(b))
	copy(raw, b)
	p := RawPunch{
		UID:       int(binary.LittleEndian.Uint16(b[0:])),
		UserID:    getString(b[2:26]),
		Status:    int(b[26]),
		Timestamp: DecodeTime(binary.LittleEndian.Uint32(b[27:]), loc).UTC(),
		Punch:     int(b[31]),
		Raw:       raw,
	}
	if p.UserID == "" {
		p.UserID = strconv.Itoa(p.UID)
	}
	return p, nil
}

// splitRecords strips the 4-byte length prefix of a bulk data buffer and
// cuts the remainder into fixed-size records.
func splitRecords(data []byte, size int) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("data buffer of %d bytes has no length prefix", len(data))
	}
	total := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if total != len(data) {
		return nil, fmt.Errorf("data buffer declares %d bytes, carries %d", total, len(data))
	}
	if total%size != 0 {
		return nil, fmt.Errorf("data buffer of %d bytes is not a multiple of %d", total, size)
	}
	out := make([][]byte, 0, total/size)
	for off := 0; off < total; off += size {
		out = append(out, data[off:off+size])
	}
	return out, nil
}

// JoinRecords is the inverse of splitRecords.
func JoinRecords(records [][]byte) []byte {
	n := 0
	for _, r := range records {
		n += len(r)
	}
	out := binary.LittleEndian.AppendUint32(make([]byte, 0, 4+n), uint32(n))
	for _, r := range records {
		out = append(out, r...)
	}
	return out
}

// MakeCommKey scrambles a numeric communication key with the session id the
// way the terminal firmware expects in the auth command.
func MakeCommKey(key uint32, sessionID uint16, ticks byte) []byte {
	var k uint32
	for i := 0; i < 32; i++ {
		if key&(1<<i) != 0 {
			k = k<<1 | 1
		} else {
			k <<= 1
		}
	}
	k += uint32(sessionID)

	b := binary.LittleEndian.AppendUint32(nil, k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'
	b[0], b[1], b[2], b[3] = b[2], b[3], b[0], b[1]
	b[0] ^= ticks
	b[1] ^= ticks
	b[2] = ticks
	b[3] ^= ticks
	return b
}

// ParseCommKey converts the configured key to its numeric form; the empty
// string means no key.
func ParseCommKey(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("comm key must be numeric: %w", err)
	}
	return uint32(v), nil
}
