// Package dataplane implements the bulk-data wire protocol: one framed
// GetRequest per socket, answered by one framed optional blob.
package dataplane

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/mmap"

	"varys"
)

// ObjectStore provides the bytes behind in-memory flows. Servers without one
// answer None for in-memory requests.
type ObjectStore interface {
	Get(id varys.DataID) ([]byte, bool)
}

// Server serves flow bytes on a port: synthetic patterns, on-disk windows and
// (when an ObjectStore is attached) in-memory objects.
type Server struct {
	l     net.Listener
	store ObjectStore
	dead  bool
}

// NewAndServe starts a data server and returns the pointer to it.
func NewAndServe(addr varys.ServerAddress, store ObjectStore) (*Server, error) {
	l, err := net.Listen("tcp", string(addr))
	if err != nil {
		return nil, varys.Error{Code: varys.ConnectivityError, Err: fmt.Sprintf("data server listen %v: %v", addr, err)}
	}
	s := &Server{l: l, store: store}

	go func() {
		for {
			conn, err := s.l.Accept()
			if err != nil {
				if !s.dead {
					log.Errorf("data server accept error: %v", err)
				}
				return
			}
			go s.serveConn(conn)
		}
	}()

	return s, nil
}

// Port is the bound data port.
func (s *Server) Port() uint16 {
	return uint16(s.l.Addr().(*net.TCPAddr).Port)
}

// Shutdown stops accepting requests.
func (s *Server) Shutdown() {
	if !s.dead {
		s.dead = true
		s.l.Close()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	desc, err := readRequest(conn)
	if err != nil {
		log.Errorf("data request from %v: %v", conn.RemoteAddr(), err)
		return
	}

	data, err := s.bytesFor(desc)
	if err != nil {
		log.Warnf("cannot serve %v (%v): %v", desc.DataID, desc.DataType, err)
		writeNone(conn)
		return
	}
	if err := writeSome(conn, data); err != nil {
		log.Errorf("data reply to %v: %v", conn.RemoteAddr(), err)
	}
}

func (s *Server) bytesFor(desc *varys.FlowDescription) ([]byte, error) {
	switch desc.DataType {
	case varys.DataFake:
		return FakePattern(desc.SizeInBytes), nil
	case varys.DataOnDisk:
		return readFileWindow(desc.PathToFile, desc.Offset, desc.Length)
	case varys.DataInMemory:
		if s.store == nil {
			return nil, fmt.Errorf("no object store attached")
		}
		data, ok := s.store.Get(desc.DataID)
		if !ok {
			return nil, fmt.Errorf("object not found")
		}
		return data, nil
	}
	return nil, fmt.Errorf("unhandled data type %v", desc.DataType)
}

// FakePattern is the deterministic synthetic payload: b[i] = i mod 256.
func FakePattern(size uint64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// readFileWindow memory-maps path and copies out [offset, offset+length).
// Reads outside the file bounds are refused.
func readFileWindow(path string, offset, length uint64) ([]byte, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if offset+length > uint64(r.Len()) {
		return nil, fmt.Errorf("window [%d, %d) outside file of %d bytes", offset, offset+length, r.Len())
	}
	b := make([]byte, length)
	if _, err := r.ReadAt(b, int64(offset)); err != nil && err != io.EOF {
		return nil, err
	}
	return b, nil
}

//------ wire framing

// readRequest reads the framed GetRequest opening a data-plane exchange.
func readRequest(r io.Reader) (*varys.FlowDescription, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > varys.MaxFrameSize {
		return nil, varys.Error{Code: varys.ProtocolError, Err: fmt.Sprintf("bad request length %d", n)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var desc varys.FlowDescription
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&desc); err != nil {
		return nil, varys.Error{Code: varys.ProtocolError, Err: fmt.Sprintf("malformed request: %v", err)}
	}
	return &desc, nil
}

func writeRequest(w io.Writer, desc *varys.FlowDescription) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(desc); err != nil {
		return varys.Error{Code: varys.ProtocolError, Err: fmt.Sprintf("encode request: %v", err)}
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(buf.Len()))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

const (
	optionNone byte = 0x00
	optionSome byte = 0x01
)

func writeNone(w io.Writer) error {
	_, err := w.Write([]byte{optionNone})
	return err
}

func writeSome(w io.Writer, data []byte) error {
	var hdr [5]byte
	hdr[0] = optionSome
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readOption reads the framed optional blob. The payload is pulled in small
// slices so a throttled reader gets a chance to pace every chunk.
func readOption(r io.Reader) ([]byte, bool, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, false, err
	}
	if tag[0] == optionNone {
		return nil, false, nil
	}
	if tag[0] != optionSome {
		return nil, false, varys.Error{Code: varys.ProtocolError, Err: fmt.Sprintf("bad option tag %#x", tag[0])}
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, false, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > varys.MaxFrameSize {
		return nil, false, varys.Error{Code: varys.ProtocolError, Err: fmt.Sprintf("bad payload length %d", n)}
	}
	data := make([]byte, n)
	const chunk = 4 << 10
	for off := 0; off < len(data); {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		if _, err := io.ReadFull(r, data[off:end]); err != nil {
			return nil, false, err
		}
		off = end
	}
	return data, true, nil
}
