package ipc_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/goiscsi/iscsid/internal/ipc"
)

func TestCommandHeaderLayout(t *testing.T) {
	t.Parallel()

	hdr := ipc.CommandHeader{
		Func:    ipc.FuncLogin,
		Field1:  0x01020304,
		Field2:  0x05060708,
		Length1: 16,
		Length2: 32,
		Length3: 0,
	}
	b := hdr.Marshal()

	// Exact byte layout: func_code at 0 (u16 BE), field1 at 4,
	// field2 at 8, lengths at 12/16/20.
	want := []byte{
		0x00, 0x01, // func_code = 1
		0x00, 0x00, // reserved
		0x01, 0x02, 0x03, 0x04, // field1
		0x05, 0x06, 0x07, 0x08, // field2
		0x00, 0x00, 0x00, 0x10, // length1 = 16
		0x00, 0x00, 0x00, 0x20, // length2 = 32
		0x00, 0x00, 0x00, 0x00, // length3 = 0
	}
	if !bytes.Equal(b[:], want) {
		t.Errorf("layout mismatch:\n got %x\nwant %x", b[:], want)
	}

	if got := ipc.ParseCommandHeader(b); got != hdr {
		t.Errorf("round trip = %+v, want %+v", got, hdr)
	}
}

func TestResponseHeaderLayout(t *testing.T) {
	t.Parallel()

	hdr := ipc.ResponseHeader{
		Func:       2,
		ErrorCode:  22,
		StatusCode: 0x0201,
		Field1:     7,
		Field2:     9,
		DataLength: 64,
	}
	b := hdr.Marshal()

	want := []byte{
		0x02,                   // func_code
		0x00,                   // reserved
		0x00, 0x00, 0x00, 0x16, // error_code = 22
		0x02, 0x01, // status_code
		0x00, 0x00, 0x00, 0x07, // field1
		0x00, 0x00, 0x00, 0x09, // field2
		0x00, 0x00, 0x00, 0x40, // data_length = 64
		0x00, 0x00, 0x00, 0x00, // reserved
	}
	if !bytes.Equal(b[:], want) {
		t.Errorf("layout mismatch:\n got %x\nwant %x", b[:], want)
	}

	if got := ipc.ParseResponseHeader(b); got != hdr {
		t.Errorf("round trip = %+v, want %+v", got, hdr)
	}
}

func TestCommandRoundTripWithPayloads(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p1 := []byte("first payload")
	p2 := []byte("second")

	err := ipc.WriteCommand(&buf, ipc.CommandHeader{Func: ipc.FuncLogout, Field1: 3}, p1, p2)
	if err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}

	hdr, payloads, err := ipc.ReadCommand(&buf)
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if hdr.Func != ipc.FuncLogout || hdr.Field1 != 3 {
		t.Errorf("header = %+v", hdr)
	}
	if len(payloads) != 3 {
		t.Fatalf("payload count = %d, want 3", len(payloads))
	}
	if !bytes.Equal(payloads[0], p1) || !bytes.Equal(payloads[1], p2) || payloads[2] != nil {
		t.Error("payload content mismatch")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	payload := []byte("result bytes")
	err := ipc.WriteResponse(&buf, ipc.ResponseHeader{Func: 8, StatusCode: 0}, payload)
	if err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}

	hdr, got, err := ipc.ReadResponse(&buf)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if hdr.DataLength != uint32(len(payload)) {
		t.Errorf("DataLength = %d, want %d", hdr.DataLength, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Error("payload mismatch")
	}
}

func TestReadCommandOversizedPayload(t *testing.T) {
	t.Parallel()

	hdr := ipc.CommandHeader{Func: ipc.FuncLogin, Length1: 1 << 24}
	raw := hdr.Marshal()

	_, _, err := ipc.ReadCommand(bytes.NewReader(raw[:]))
	if !errors.Is(err, ipc.ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestReadCommandTruncated(t *testing.T) {
	t.Parallel()

	hdr := ipc.CommandHeader{Func: ipc.FuncLogin, Length1: 10}
	raw := hdr.Marshal()
	// Header promises 10 payload bytes but only 4 follow.
	data := append(raw[:], 1, 2, 3, 4)

	if _, _, err := ipc.ReadCommand(bytes.NewReader(data)); err == nil {
		t.Error("truncated payload read succeeded")
	}
}

func TestFuncCodeNames(t *testing.T) {
	t.Parallel()

	if ipc.FuncQueryTargets.String() != "QueryPortalForTargets" {
		t.Errorf("FuncQueryTargets.String() = %q", ipc.FuncQueryTargets.String())
	}
	if ipc.FuncCode(99).String() != "Unknown(99)" {
		t.Errorf("unknown code String() = %q", ipc.FuncCode(99).String())
	}
}
