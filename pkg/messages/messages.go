// Package messages defines the payloads exchanged between clients, the
// proxy and the storage servers. All integers are big-endian on the wire.
package messages

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Type identifies a message on the wire.
type Type uint32

const (
	TypeClientReadRequest Type = iota + 1
	TypeClientWriteRequest
	TypeProxyReadResponse
	TypeProxyWriteResponse
	TypeProxyReadRequest
	TypeProxyWriteRequest
	TypeServerReadResponse
	TypeServerWriteResponse
)

var errShortPayload = errors.New("payload truncated")

const maxClientAddr = 255

// ClientReadRequest asks the proxy for the contents of a block. ClientAddr
// is the host:port the client listens on for the dialed-back response.
type ClientReadRequest struct {
	RequestID  uint64
	BlockID    uint64
	ClientAddr string
}

// Serialize encodes the request payload.
func (r *ClientReadRequest) Serialize() ([]byte, error) {
	addr, err := encodeAddr(r.ClientAddr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 16, 16+len(addr))
	binary.BigEndian.PutUint64(buf[:8], r.RequestID)
	binary.BigEndian.PutUint64(buf[8:16], r.BlockID)
	return append(buf, addr...), nil
}

// ParseClientReadRequest decodes a ClientReadRequest payload.
func ParseClientReadRequest(data []byte) (*ClientReadRequest, error) {
	if len(data) < 16 {
		return nil, errShortPayload
	}
	addr, err := decodeAddr(data[16:])
	if err != nil {
		return nil, err
	}
	return &ClientReadRequest{
		RequestID:  binary.BigEndian.Uint64(data[:8]),
		BlockID:    binary.BigEndian.Uint64(data[8:16]),
		ClientAddr: addr,
	}, nil
}

// ClientWriteRequest overwrites a block with Data, which must be exactly
// the deployment block size.
type ClientWriteRequest struct {
	RequestID  uint64
	BlockID    uint64
	Data       []byte
	ClientAddr string
}

// Serialize encodes the request payload.
func (r *ClientWriteRequest) Serialize() ([]byte, error) {
	addr, err := encodeAddr(r.ClientAddr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 16, 16+len(r.Data)+len(addr))
	binary.BigEndian.PutUint64(buf[:8], r.RequestID)
	binary.BigEndian.PutUint64(buf[8:16], r.BlockID)
	buf = append(buf, r.Data...)
	return append(buf, addr...), nil
}

// ParseClientWriteRequest decodes a ClientWriteRequest payload. blockSize
// is the deployment block size and fixes where the payload ends and the
// client address begins.
func ParseClientWriteRequest(data []byte, blockSize int) (*ClientWriteRequest, error) {
	if len(data) < 16+blockSize {
		return nil, errShortPayload
	}
	addr, err := decodeAddr(data[16+blockSize:])
	if err != nil {
		return nil, err
	}
	d := make([]byte, blockSize)
	copy(d, data[16:16+blockSize])
	return &ClientWriteRequest{
		RequestID:  binary.BigEndian.Uint64(data[:8]),
		BlockID:    binary.BigEndian.Uint64(data[8:16]),
		Data:       d,
		ClientAddr: addr,
	}, nil
}

// ProxyReadResponse carries block contents back to a client.
type ProxyReadResponse struct {
	RequestID uint64
	Data      []byte
}

// Serialize encodes the response payload.
func (r *ProxyReadResponse) Serialize() ([]byte, error) {
	buf := make([]byte, 8, 8+len(r.Data))
	binary.BigEndian.PutUint64(buf[:8], r.RequestID)
	return append(buf, r.Data...), nil
}

// ParseProxyReadResponse decodes a ProxyReadResponse payload.
func ParseProxyReadResponse(data []byte) (*ProxyReadResponse, error) {
	if len(data) < 8 {
		return nil, errShortPayload
	}
	d := make([]byte, len(data)-8)
	copy(d, data[8:])
	return &ProxyReadResponse{
		RequestID: binary.BigEndian.Uint64(data[:8]),
		Data:      d,
	}, nil
}

// ProxyWriteResponse acknowledges a client write.
type ProxyWriteResponse struct {
	RequestID uint64
	OK        bool
}

// Serialize encodes the response payload.
func (r *ProxyWriteResponse) Serialize() ([]byte, error) {
	buf := make([]byte, 9)
	binary.BigEndian.PutUint64(buf[:8], r.RequestID)
	if r.OK {
		buf[8] = 1
	}
	return buf, nil
}

// ParseProxyWriteResponse decodes a ProxyWriteResponse payload.
func ParseProxyWriteResponse(data []byte) (*ProxyWriteResponse, error) {
	if len(data) < 9 {
		return nil, errShortPayload
	}
	return &ProxyWriteResponse{
		RequestID: binary.BigEndian.Uint64(data[:8]),
		OK:        data[8] == 1,
	}, nil
}

// ProxyReadRequest asks a storage server for the path to a leaf, addressed
// by the leaf's 0-based index within the server's partition.
type ProxyReadRequest struct {
	RelativeLeaf uint64
}

// Serialize encodes the request payload.
func (r *ProxyReadRequest) Serialize() ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, r.RelativeLeaf)
	return buf, nil
}

// ParseProxyReadRequest decodes a ProxyReadRequest payload.
func ParseProxyReadRequest(data []byte) (*ProxyReadRequest, error) {
	if len(data) < 8 {
		return nil, errShortPayload
	}
	return &ProxyReadRequest{RelativeLeaf: binary.BigEndian.Uint64(data[:8])}, nil
}

// ProxyWriteRequest ships a batch of encrypted paths to a storage server.
// Paths is the concatenation of equally-sized path blobs; PathSize is the
// byte length of one blob. Each blob starts with the relative leaf id in
// the clear so the server can route the buckets.
type ProxyWriteRequest struct {
	PathSize uint32
	Paths    []byte
}

// Serialize encodes the request payload.
func (r *ProxyWriteRequest) Serialize() ([]byte, error) {
	if r.PathSize == 0 || len(r.Paths)%int(r.PathSize) != 0 {
		return nil, fmt.Errorf("paths length %d is not a multiple of path size %d", len(r.Paths), r.PathSize)
	}
	buf := make([]byte, 4, 4+len(r.Paths))
	binary.BigEndian.PutUint32(buf[:4], r.PathSize)
	return append(buf, r.Paths...), nil
}

// ParseProxyWriteRequest decodes a ProxyWriteRequest payload.
func ParseProxyWriteRequest(data []byte) (*ProxyWriteRequest, error) {
	if len(data) < 4 {
		return nil, errShortPayload
	}
	pathSize := binary.BigEndian.Uint32(data[:4])
	paths := make([]byte, len(data)-4)
	copy(paths, data[4:])
	if pathSize == 0 || len(paths)%int(pathSize) != 0 {
		return nil, fmt.Errorf("paths length %d is not a multiple of path size %d", len(paths), pathSize)
	}
	return &ProxyWriteRequest{PathSize: pathSize, Paths: paths}, nil
}

// ServerReadResponse returns the encrypted buckets of one path, root
// first, together with the relative leaf they belong to.
type ServerReadResponse struct {
	RelativeLeaf uint64
	PathBytes    []byte
}

// Serialize encodes the response payload.
func (r *ServerReadResponse) Serialize() ([]byte, error) {
	buf := make([]byte, 8, 8+len(r.PathBytes))
	binary.BigEndian.PutUint64(buf[:8], r.RelativeLeaf)
	return append(buf, r.PathBytes...), nil
}

// ParseServerReadResponse decodes a ServerReadResponse payload.
func ParseServerReadResponse(data []byte) (*ServerReadResponse, error) {
	if len(data) < 8 {
		return nil, errShortPayload
	}
	p := make([]byte, len(data)-8)
	copy(p, data[8:])
	return &ServerReadResponse{
		RelativeLeaf: binary.BigEndian.Uint64(data[:8]),
		PathBytes:    p,
	}, nil
}

// ServerWriteResponse acknowledges a write-back batch.
type ServerWriteResponse struct {
	OK bool
}

// Serialize encodes the response payload.
func (r *ServerWriteResponse) Serialize() ([]byte, error) {
	if r.OK {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

// ParseServerWriteResponse decodes a ServerWriteResponse payload.
func ParseServerWriteResponse(data []byte) (*ServerWriteResponse, error) {
	if len(data) < 1 {
		return nil, errShortPayload
	}
	return &ServerWriteResponse{OK: data[0] == 1}, nil
}

func encodeAddr(addr string) ([]byte, error) {
	if len(addr) == 0 || len(addr) > maxClientAddr {
		return nil, fmt.Errorf("client address length %d out of range", len(addr))
	}
	buf := make([]byte, 2, 2+len(addr))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(addr)))
	return append(buf, addr...), nil
}

func decodeAddr(data []byte) (string, error) {
	if len(data) < 2 {
		return "", errShortPayload
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	if n == 0 || len(data) < 2+n {
		return "", fmt.Errorf("client address length %d does not fit payload", n)
	}
	return string(data[2 : 2+n]), nil
}
