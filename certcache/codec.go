package certcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Wire format for leaves stored in the shared backend. A magic/version
// header makes schema migrations detectable instead of silently decoding
// garbage:
//
//	magic    uint32  "GLPC"
//	version  uint8
//	notAfter int64   unix epoch milliseconds
//	keyLen   uint32, key bytes
//	chainLen uint16, then per element: certLen uint32, cert bytes
//
// All integers are big-endian.
const (
	recordMagic   uint32 = 0x474c5043 // "GLPC"
	recordVersion byte   = 1
)

func EncodeLeaf(leaf *Leaf) []byte {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, recordMagic)
	buf.WriteByte(recordVersion)
	binary.Write(&buf, binary.BigEndian, leaf.NotAfter.UnixMilli())

	binary.Write(&buf, binary.BigEndian, uint32(len(leaf.KeyDER)))
	buf.Write(leaf.KeyDER)

	binary.Write(&buf, binary.BigEndian, uint16(len(leaf.ChainDER)))
	for _, der := range leaf.ChainDER {
		binary.Write(&buf, binary.BigEndian, uint32(len(der)))
		buf.Write(der)
	}

	return buf.Bytes()
}

func DecodeLeaf(data []byte) (*Leaf, error) {
	buf := bytes.NewReader(data)

	var magic uint32
	if err := binary.Read(buf, binary.BigEndian, &magic); err != nil {
		return nil, fmt.Errorf("reading record magic: %w", err)
	}
	if magic != recordMagic {
		return nil, fmt.Errorf("bad record magic 0x%08x", magic)
	}

	version, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading record version: %w", err)
	}
	if version != recordVersion {
		return nil, fmt.Errorf("unsupported record version %d", version)
	}

	var notAfterMS int64
	if err := binary.Read(buf, binary.BigEndian, &notAfterMS); err != nil {
		return nil, fmt.Errorf("reading expiry: %w", err)
	}

	var keyLen uint32
	if err := binary.Read(buf, binary.BigEndian, &keyLen); err != nil {
		return nil, fmt.Errorf("reading key length: %w", err)
	}
	if int(keyLen) > buf.Len() {
		return nil, fmt.Errorf("key length %d exceeds record size", keyLen)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(buf, key); err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	var chainLen uint16
	if err := binary.Read(buf, binary.BigEndian, &chainLen); err != nil {
		return nil, fmt.Errorf("reading chain length: %w", err)
	}

	chain := make([][]byte, 0, chainLen)
	for i := 0; i < int(chainLen); i++ {
		var certLen uint32
		if err := binary.Read(buf, binary.BigEndian, &certLen); err != nil {
			return nil, fmt.Errorf("reading certificate %d length: %w", i, err)
		}
		if int(certLen) > buf.Len() {
			return nil, fmt.Errorf("certificate %d length %d exceeds record size", i, certLen)
		}
		der := make([]byte, certLen)
		if _, err := io.ReadFull(buf, der); err != nil {
			return nil, fmt.Errorf("reading certificate %d: %w", i, err)
		}
		chain = append(chain, der)
	}

	return &Leaf{
		ChainDER: chain,
		KeyDER:   key,
		NotAfter: time.UnixMilli(notAfterMS),
	}, nil
}
